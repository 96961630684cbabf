// Command engage-runner runs the Engage mobile workflows.
package main

import "github.com/devicelab-dev/engage-runner/pkg/cli"

func main() {
	cli.Execute()
}
