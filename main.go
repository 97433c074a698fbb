// Command yivideo starts the orchestration core: `yivideo serve` runs the
// task gateway and lock monitor, `yivideo worker` runs the node worker pool.
package main

import (
	"github.com/wionch/yivideo/cli"
)

func main() {
	cli.Execute()
}
