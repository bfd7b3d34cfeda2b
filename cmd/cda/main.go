// Command cda runs the Kernel and Gate servers and the offline token tools.
package main

import "github.com/matiascloudarch/cognitive-decision-architecture/internal/cli"

func main() {
	cli.Execute()
}
