// gcstress drives the collector with concurrent mutator threads and
// reports what each run did.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/chazu/gencollect/config"
	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	dir := flag.String("C", ".", "Directory to search upward for "+config.FileName)
	threads := flag.Int("threads", 4, "Number of mutator threads")
	wrappers := flag.Int("wrappers", 10000, "Short-lived wrappers allocated per thread")
	every := flag.Int("every", 100, "Force a nursery collection every N wrappers (0 disables)")
	keep := flag.Int("keep", 16, "Wrappers each thread keeps alive at a time")
	nursery := flag.String("nursery", "", "Nursery size override (e.g. 256KiB)")
	dump := flag.String("dump", "", "Write a CBOR heap snapshot to this file before teardown")
	history := flag.String("history", "", "SQLite collection history database (overrides config)")
	verbosity := flag.Int("v", 0, "Log verbosity (higher is chattier)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gcstress [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs mutator threads against a fresh heap and prints collection statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  gcstress -threads 8 -wrappers 100000\n")
		fmt.Fprintf(os.Stderr, "  gcstress -nursery 64KiB -dump heap.cbor -history gc.db\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*dir)
	if errors.Is(err, config.ErrNotFound) {
		cfg, err = &config.Config{}, nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logPath := cfg.Log.Path
	var pathPtr *string
	if logPath != "" {
		pathPtr = &logPath
	}
	commonlog.Configure(max(*verbosity, cfg.Log.Verbosity), pathPtr)

	opts, err := cfg.VMOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *nursery != "" {
		n, err := humanize.ParseBytes(*nursery)
		if err != nil || n > 1<<32-1 {
			fmt.Fprintf(os.Stderr, "Error: invalid nursery size %q\n", *nursery)
			os.Exit(1)
		}
		opts.NurserySize = uint32(n)
	}

	historyPath := cfg.HistoryPath()
	if *history != "" {
		historyPath = *history
	}

	err = run(runConfig{
		Options:  opts,
		Threads:  *threads,
		Wrappers: *wrappers,
		Every:    *every,
		Keep:     *keep,
		Dump:     *dump,
		History:  historyPath,
	}, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
