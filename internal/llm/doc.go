// Package llm contains the provider-neutral contract for the language models
// that plan tasks, synthesize answers and back the built-in worker agents.
package llm
