// Command sentinel runs simulated security-operations tasks: staged phases
// with a live event feed, alerting and a synthesized result.
package main

import "github.com/marcus/sentinel/cmd/sentinel/commands"

func main() {
	commands.Execute()
}
