// planctl stores, runs, approves and rolls back plans from the command line.
package main

import "github.com/contenox/planengine/internal/plancli"

func main() {
	plancli.Main()
}
