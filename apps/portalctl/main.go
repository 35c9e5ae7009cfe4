package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/trezcool/campus/core"
	logsvc "github.com/trezcool/campus/services/logger"
)

func main() {
	// glog writes to files by default
	_ = flag.Set("logtostderr", "true")

	logger := logsvc.NewGlogLogger()
	defer logger.Flush()

	cli := &commandLine{
		conf: core.NewConfig(),
		out:  os.Stdout,
		log:  logger,
	}
	defer cli.close()

	if err := cli.run(os.Args[1:]); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		cli.close()
		logger.Flush()
		os.Exit(1)
	}
}
