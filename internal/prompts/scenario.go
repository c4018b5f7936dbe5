package prompts

import "fmt"

// Questions are asked in order by the read-only flow.
var Questions = []string{
	"What is my number one favorite book? It's the first one in the list.",
	"Look at my favorite songs and suggest one new song that I may like.",
}

// BriefFile is the markdown file the brief flow asks the agent to write.
const BriefFile = "mcp_brief.md"

// briefTemplate is the composite read-write instruction.
// Format verbs: (1) samples dir, (2) outputs dir, (3) brief path.
const briefTemplate = `You have filesystem tools scoped to two folders:
- %[1]s (sample files, read only)
- %[2]s (outputs, writable)

Do the following, in order:
1. List the files in %[1]s.
2. Read favorite_books.txt and find my number one favorite book. It's the first one in the list.
3. Read favorite_songs.txt and suggest one new song that I may like.
4. Write a markdown file to %[3]s with:
   - a "# MCP Brief" title
   - my number one favorite book
   - your song suggestion and one sentence on why
   - a "Files read" list naming every file you read

When the file is written, reply with a short summary of what you wrote.`

// BriefPrompt returns the composite instruction for the brief flow.
func BriefPrompt(samplesDir, outputsDir, briefPath string) string {
	return fmt.Sprintf(briefTemplate, samplesDir, outputsDir, briefPath)
}
