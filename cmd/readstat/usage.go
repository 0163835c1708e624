package main

import (
	"fmt"
	"os"

	readstat "github.com/davidanthoff/ReadStat"
)

func printVersion() {
	fmt.Fprintf(os.Stderr, "ReadStat version %s\n", readstat.Version)
}

func printUsage(cmd string) {
	printVersion()
	fmt.Fprintf(os.Stderr, "\n  Standard usage:\n")
	fmt.Fprintf(os.Stderr, "\n     %s input.(dta|por|sav|sas7bdat) output.(sas7bdat|csv)\n", cmd)
	fmt.Fprintf(os.Stderr, "\n  Usage if your value labels are stored in a separate SAS catalog file:\n")
	fmt.Fprintf(os.Stderr, "\n     %s input.sas7bdat catalog.sas7bcat output.(sas7bdat|csv)\n\n", cmd)
}
