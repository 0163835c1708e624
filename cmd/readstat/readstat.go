// Command readstat converts between statistical data file formats. It
// reads Stata, SPSS and SAS files and writes SAS7BDAT or CSV. When the
// value labels of a SAS data file live in a separate catalog, the
// catalog is consumed in a first pass over the inputs.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	readstat "github.com/davidanthoff/ReadStat"
	"github.com/mattn/go-isatty"
)

func canRead(path string) bool {
	return readstat.FormatForPath(path) != readstat.FormatUnknown
}

func isCatalog(path string) bool {
	return readstat.FormatForPath(path) == readstat.FormatSAS7BCAT
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	modules := []outputModule{&nativeModule{}, &csvModule{}}

	var inputFilename, catalogFilename, outputFilename string
	switch {
	case len(args) == 2 && (args[1] == "-v" || args[1] == "--version"):
		printVersion()
		return 0
	case len(args) == 2 && (args[1] == "-h" || args[1] == "--help"):
		printUsage(args[0])
		return 0
	case len(args) == 3:
		if !canRead(args[1]) || moduleForFilename(modules, args[2]) == nil {
			printUsage(args[0])
			return 1
		}
		inputFilename, outputFilename = args[1], args[2]
	case len(args) == 4:
		if !canRead(args[1]) || !isCatalog(args[2]) || moduleForFilename(modules, args[3]) == nil {
			printUsage(args[0])
			return 1
		}
		inputFilename, catalogFilename, outputFilename = args[1], args[2], args[3]
	default:
		printUsage(args[0])
		return 1
	}

	module := moduleForFilename(modules, outputFilename)
	if err := module.open(outputFilename); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	start := time.Now()
	var rowCount, varCount int

	ctx, canc := interruptibleContext()
	defer canc()
	progress := progressDisplay(ctx)
	log.SetFlags(0)
	handleError := func(msg string) {
		// Dialect diagnostics arrive with or without a trailing
		// newline; print exactly one.
		log.Println(strings.TrimRight(msg, "\n"))
	}

	// Pass 1 - collect fweight and value labels.
	pass1 := &readstat.Parser{
		Handler: readstat.Handler{
			Info:       module.info,
			ValueLabel: module.valueLabel,
			FWeight:    module.fweight,
			Error:      handleError,
		},
		Progress: progress,
	}
	var err error
	if catalogFilename != "" {
		err = pass1.ParseFile(catalogFilename)
	} else {
		err = pass1.ParseFile(inputFilename)
	}

	// Pass 2 - parse the full file.
	if err == nil {
		pass2 := &readstat.Parser{
			Handler: readstat.Handler{
				Info: func(obsCount, vars int) error {
					rowCount, varCount = obsCount, vars
					return module.info(obsCount, vars)
				},
				Variable: module.variable,
				Value: func(obsIndex, varIndex int, value readstat.Value) error {
					// Dialects that cannot declare a row count up
					// front report -1 through Info; count the rows
					// as they stream in that case.
					if rowCount < obsIndex+1 {
						rowCount = obsIndex + 1
					}
					return module.value(obsIndex, varIndex, value)
				},
				Error: handleError,
			},
			Progress: progress,
		}
		err = pass2.ParseFile(inputFilename)
	}

	if err == nil {
		err = module.finish()
	}
	clearProgress()
	if err != nil {
		module.discard()
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "Converted %d variables and %d rows in %.2f seconds\n",
		varCount, rowCount, time.Since(start).Seconds())
	return 0
}

// progressDisplay returns a progress callback that aborts the parse
// once ctx is canceled and renders a percentage on stderr when it is
// a terminal.
func progressDisplay(ctx context.Context) func(float64) error {
	tty := isatty.IsTerminal(os.Stderr.Fd())
	return func(fraction float64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tty {
			fmt.Fprintf(os.Stderr, "\r%3.0f%%", fraction*100)
		}
		return nil
	}
}

func clearProgress() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprint(os.Stderr, "\r     \r")
	}
}
