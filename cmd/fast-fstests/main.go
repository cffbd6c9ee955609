// Command fast-fstests parallelizes xfstests execution across a pool of
// disposable VMs.
package main

import "github.com/loemraw/fast-fstests/cmd"

func main() {
	cmd.Execute()
}
