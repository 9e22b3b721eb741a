// Package prompts contains the prompt text LyNexus sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates are interpolated, benefit from compile-time embedding, and can be
// validated by tests. The three feedback templates may be overridden from
// config.yaml; everything else here is fixed framing around the user's own
// system prompt.
//
// Convention: each prompt category gets its own file (feedback.go, system.go,
// rules.go) with exported functions that accept the dynamic parts and return
// the fully interpolated prompt string.
package prompts
