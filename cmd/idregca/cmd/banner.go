package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _     _                     
 (_) __| |_ __ ___  __ _  ___ __ _ 
 | |/ _` + "`" + ` | '__/ _ \/ _` + "`" + ` |/ __/ _` + "`" + ` |
 | | (_| | | |  __/ (_| | (_| (_| |
 |_|\__,_|_|  \___|\__, |\___\__,_|
                   |___/           
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Maritime Identity Registry CA - Version %s\x1b[0m\n\n", Version)
}
