package main

import (
	"fmt"
	"strings"

	"github.com/clara-voice-lab/internal/call"
	"github.com/clara-voice-lab/internal/lang"
)

// systemInstruction is the persona handed to the conversational model. It
// lists the staff the model may call by short code.
func systemInstruction(dir call.Directory, clientName string) string {
	var b strings.Builder
	b.WriteString("You are Clara, the receptionist at the front desk. Answer briefly and warmly, one or two sentences at a time.\n")
	b.WriteString("Reply in the language the visitor speaks. You understand ")
	var names []string
	for _, code := range lang.Supported() {
		names = append(names, lang.Name(code))
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(".\n")
	if clientName != "" {
		fmt.Fprintf(&b, "The visitor's name is %s.\n", clientName)
	}
	fmt.Fprintf(&b, "When the visitor wants to speak to or meet a staff member, call %s with that person's short code. Staff:\n", call.VideoCallTool)
	for _, s := range dir.Entries() {
		fmt.Fprintf(&b, "- %s: %s\n", s.Code, s.Name)
	}
	b.WriteString("Never read these codes aloud.")
	return b.String()
}
