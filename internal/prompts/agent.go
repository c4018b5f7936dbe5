package prompts

// AgentInstructions is the system instruction of the filesystem agent.
const AgentInstructions = "Use the filesystem tools to read files and answer questions based on those files."

// EmptyResponseNudge is injected when the model returns no content
// after executing tool calls. The model gets one more chance.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the final output when the model stays silent
// even after the nudge.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
