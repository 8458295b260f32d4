package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/seq2seq/params"
	"github.com/seq2seq/transformer"
)

var (
	trainFlag     bool
	translateFlag string
	configFlag    string
	inspectFlag   string
)

func init() {
	flag.BoolVar(&trainFlag, "train", false, "Train the translation model (resumes from the newest checkpoint)")
	flag.StringVar(&translateFlag, "translate", "", "Translate the given source text with the newest checkpoint")
	flag.StringVar(&configFlag, "config", "", "JSON config file overlaying the defaults")
	flag.StringVar(&inspectFlag, "inspect", "", "Print the counters and parameter tensors of a checkpoint file")
}

func main() {
	flag.Parse()

	if configFlag != "" {
		if err := params.LoadConfig(configFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else if err := params.Config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case inspectFlag != "":
		if err := transformer.InspectCheckpoint(inspectFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case trainFlag:
		if err := RunTraining(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case translateFlag != "":
		out, err := Translate(translateFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(out)
	default:
		fmt.Println("No flag passed. Use --train, --translate \"text\", or --inspect weights/file.gob.")
		flag.Usage()
	}
}
