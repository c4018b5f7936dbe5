// Package prompts holds the prompt text fsagent sends to models: the
// agent instructions, the fixed questions of the read-only flow, and
// the composite brief instruction.
//
// Prompt text is Go code rather than config because it is program
// logic: tests check it and the flows depend on its exact wording.
// Each category gets its own file with an exported constant or a
// function that accepts the dynamic parts.
package prompts
