// Command tilectl builds, runs and inspects tile pipelines described by a
// topology file.
//
//	tilectl validate   -topo FILE
//	tilectl size       -topo FILE
//	tilectl create     -topo FILE [-dir DIR]
//	tilectl destroy    -topo FILE [-dir DIR]
//	tilectl run        -topo FILE [-dir DIR] [-create]
//	tilectl monitor    -topo FILE [-dir DIR] [-listen ADDR] [-history DB]
//	tilectl checkpoint -topo FILE [-dir DIR] -out DIR
//	tilectl restore    -topo FILE [-dir DIR] -in DIR
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nmxmxh/inos_tiles/kernel/threads/sab"
	"github.com/nmxmxh/inos_tiles/kernel/threads/topology"
	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

type command struct {
	summary string
	run     func(env *env, args []string) error
}

var commands = map[string]command{
	"validate":   {"check a topology file", cmdValidate},
	"size":       {"print workspace footprints and page geometry", cmdSize},
	"create":     {"create and format every workspace", cmdCreate},
	"destroy":    {"remove every workspace", cmdDestroy},
	"run":        {"run every tile until interrupted", cmdRun},
	"monitor":    {"serve snapshots of a running pipeline", cmdMonitor},
	"checkpoint": {"write a compressed image of every workspace", cmdCheckpoint},
	"restore":    {"recreate workspaces from checkpoint images", cmdRestore},
}

// env is what every command shares: the parsed common flags and where to
// write.
type env struct {
	topoPath string
	dir      string
	verbose  bool
	stdout   io.Writer
	logger   *utils.Logger
}

func (e *env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("tilectl "+name, flag.ContinueOnError)
	fs.StringVar(&e.topoPath, "topo", "", "topology file (.yaml, .yml or .json)")
	fs.StringVar(&e.dir, "dir", sab.DefaultSharedMemoryDir(), "directory holding workspace regions")
	fs.BoolVar(&e.verbose, "v", false, "debug logging")
	return fs
}

func (e *env) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if e.topoPath == "" {
		return utils.NewError("-topo is required")
	}
	level := utils.INFO
	if e.verbose {
		level = utils.DEBUG
	}
	e.logger = utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: "tilectl",
		Output:    os.Stderr,
		Colorize:  true,
	})
	utils.SetGlobalLogger(e.logger)
	return nil
}

// load reads, builds and sizes the topology.
func (e *env) load(mem topology.TileMem) (*topology.Topology, error) {
	cfg, err := topology.LoadConfig(e.topoPath)
	if err != nil {
		return nil, err
	}
	t, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if err := topology.Size(t, mem); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *env) backend() *sab.ShmBackend { return sab.NewShmBackend(e.dir) }

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: tilectl <command> -topo FILE [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-11s %s\n", n, commands[n].summary)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		if os.Args[1] != "-h" && os.Args[1] != "help" {
			fmt.Fprintf(os.Stderr, "tilectl: unknown command %q\n", os.Args[1])
		}
		usage(os.Stderr)
		os.Exit(2)
	}
	e := &env{stdout: os.Stdout}
	if err := cmd.run(e, os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "tilectl "+os.Args[1]+":", err)
		os.Exit(1)
	}
}
