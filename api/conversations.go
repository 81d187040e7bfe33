package api

import (
	"net/http"
	"time"
)

func (a *API) createConversation(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Name    string   `json:"name" validate:"max=100"`
		Members []string `json:"members" validate:"required,min=1,dive,required"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	c, err := a.Chat.CreateConversation(r.Context(), userID(r), body.Name, body.Members)
	if err != nil {
		a.respondChatError(w, err, "Could not create conversation")
		return
	}
	a.respond(w, http.StatusCreated, c)
}

func (a *API) renameConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}

	type request struct {
		Name string `json:"name" validate:"required,max=100"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := a.Chat.RenameConversation(r.Context(), userID(r), conversationID, body.Name); err != nil {
		a.respondChatError(w, err, "Could not rename conversation")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) addMembers(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}

	type request struct {
		UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := a.Chat.AddMembers(r.Context(), userID(r), conversationID, body.UserIDs); err != nil {
		a.respondChatError(w, err, "Could not add members")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}
	memberID, ok := a.pathParam(w, r, "userID")
	if !ok {
		return
	}

	err := a.Chat.RemoveMember(r.Context(), userID(r), conversationID, memberID)
	if err != nil {
		a.respondChatError(w, err, "Could not remove member")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}

	type request struct {
		Text string `json:"text" validate:"required,max=4000"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	msg, err := a.Chat.SendMessage(r.Context(), userID(r), conversationID, body.Text)
	if err != nil {
		a.respondChatError(w, err, "Could not send message")
		return
	}
	a.respond(w, http.StatusCreated, msg)
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := a.pathParam(w, r, "messageID")
	if !ok {
		return
	}

	type request struct {
		Text string `json:"text" validate:"required,max=4000"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	msg, err := a.Chat.EditMessage(r.Context(), userID(r), conversationID, messageID, body.Text)
	if err != nil {
		a.respondChatError(w, err, "Could not edit message")
		return
	}
	a.respond(w, http.StatusOK, msg)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := a.pathParam(w, r, "messageID")
	if !ok {
		return
	}

	_, err := a.Chat.DeleteMessage(r.Context(), userID(r), conversationID, messageID)
	if err != nil {
		a.respondChatError(w, err, "Could not delete message")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := a.pathParam(w, r, "messageID")
	if !ok {
		return
	}

	type (
		request struct {
			Type string `json:"type" validate:"required,max=32"`
		}
		response struct {
			MessageID string `json:"messageId"`
			Type      string `json:"type"`
			Added     bool   `json:"added"`
		}
	)

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	added, err := a.Chat.ToggleReaction(r.Context(), userID(r), conversationID, messageID, body.Type)
	if err != nil {
		a.respondChatError(w, err, "Could not toggle reaction")
		return
	}
	a.respond(w, http.StatusOK, response{MessageID: messageID, Type: body.Type, Added: added})
}

func (a *API) typing(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}

	type request struct {
		IsTyping bool `json:"isTyping"`
	}

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := a.Chat.Typing(r.Context(), userID(r), conversationID, body.IsTyping); err != nil {
		a.respondChatError(w, err, "Could not send typing indicator")
		return
	}
	a.respond(w, http.StatusNoContent, nil)
}

func (a *API) markSeen(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := a.pathParam(w, r, "id")
	if !ok {
		return
	}

	type (
		request struct {
			MessageID string `json:"messageId" validate:"required"`
		}
		response struct {
			MessageID string    `json:"messageId"`
			SeenAt    time.Time `json:"seenAt"`
		}
	)

	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	seenAt, err := a.Chat.MarkSeen(r.Context(), userID(r), conversationID, body.MessageID)
	if err != nil {
		a.respondChatError(w, err, "Could not mark conversation seen")
		return
	}
	a.respond(w, http.StatusOK, response{MessageID: body.MessageID, SeenAt: seenAt})
}

func (a *API) presence(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathParam(w, r, "userID")
	if !ok {
		return
	}

	type response struct {
		UserID   string   `json:"userId"`
		Online   bool     `json:"online"`
		Sessions []string `json:"sessions"`
	}

	sessions, err := a.Presence.Sessions(r.Context(), id)
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not get presence")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	a.respond(w, http.StatusOK, response{UserID: id, Online: len(sessions) > 0, Sessions: sessions})
}
