package install

import (
	"fmt"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func (i *Installer) printOK(msg string) {
	fmt.Fprintf(i.out, "%-60s%s\n", msg, green("[OK]"))
}

func (i *Installer) printSkip(msg string) {
	fmt.Fprintf(i.out, "%-60s%s\n", msg, yellow("[SKIP]"))
}

func (i *Installer) printFail(msg string) {
	fmt.Fprintf(i.out, "%-60s%s\n", msg, red("[FAIL]"))
}
