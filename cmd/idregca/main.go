// Command idregca runs the maritime identity registry certificate authority.
package main

import "github.com/maritimecloud/idreg/cmd/idregca/cmd"

func main() {
	cmd.Execute()
}
