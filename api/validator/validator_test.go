package validator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sendMessage struct {
	ConversationID string   `json:"conversationId" validate:"required"`
	Text           string   `json:"text" validate:"required,max=10"`
	Mentions       []string `json:"mentions,omitempty" validate:"omitempty,min=1,dive,required"`
	Kind           string   `validate:"omitempty,oneof=text system"`
}

func TestValidator_ValidateStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name  string
		input any
		want  []ValidationError
	}{
		{
			name:  "Valid",
			input: sendMessage{ConversationID: "c1", Text: "hi"},
		},
		{
			name:  "MissingFields",
			input: sendMessage{},
			want: []ValidationError{
				{Field: "conversationId", Tag: "required", Message: "is required"},
				{Field: "text", Tag: "required", Message: "is required"},
			},
		},
		{
			name:  "TooLong",
			input: sendMessage{ConversationID: "c1", Text: "hello world!"},
			want: []ValidationError{
				{Field: "text", Tag: "max", Message: "must be at most 10 characters"},
			},
		},
		{
			name:  "UntaggedField",
			input: sendMessage{ConversationID: "c1", Text: "hi", Kind: "video"},
			want: []ValidationError{
				{Field: "Kind", Tag: "oneof", Message: "must be one of text system"},
			},
		},
		{
			name:  "EmptyElement",
			input: sendMessage{ConversationID: "c1", Text: "hi", Mentions: []string{"bob", ""}},
			want: []ValidationError{
				{Field: "mentions[1]", Tag: "required", Message: "is required"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.ValidateStruct(tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ValidateStruct() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		value   any
		tag     string
		wantErr bool
	}{
		{name: "RequiredPresent", value: "value", tag: "required"},
		{name: "RequiredEmpty", value: "", tag: "required", wantErr: true},
		{name: "MaxOK", value: "abc", tag: "max=3"},
		{name: "MaxExceeded", value: "abcd", tag: "max=3", wantErr: true},
		{name: "ExcludesOK", value: "c1", tag: "excludes=:"},
		{name: "ExcludesColon", value: "c:1", tag: "excludes=:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.value, tt.tag)
			if tt.wantErr != (len(errs) > 0) {
				t.Errorf("Validate(%v, %q) = %v, want error %t", tt.value, tt.tag, errs, tt.wantErr)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "text", Tag: "required", Message: "is required"}
	if got, want := err.Error(), "text is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidator_ValidateMessage(t *testing.T) {
	got := New().Validate("c:1", "required,excludes=:")
	want := []ValidationError{{Tag: "excludes", Message: `must not contain ":"`}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
	}
}
