// Package llm wraps the chat-completion API the research, planning, and
// script stages generate content with. Responses are requested as JSON and
// decoded tolerantly, since models occasionally wrap payloads in code fences.
package llm
