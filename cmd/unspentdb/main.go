// Command unspentdb inspects and maintains UnspentOutputDatabase files,
// grounded on original_source/unspentdb's AbstractCommand/InfoCommand/
// PruneCommand/ExportCommand split into one subcommand per Kong command.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/uodb"
)

// Exit codes mirror original_source/unspentdb/AbstractCommand.h's
// Flowee::ReturnCodes enum; Unix requires Ok to be zero.
const (
	exitOk             = 0
	exitInvalidOptions = 1
	exitNeedForce      = 2
	exitCommandFailed  = 3
)

// needForceError causes main to exit with exitNeedForce instead of
// exitCommandFailed, for destructive operations gated behind --force.
type needForceError struct{ msg string }

func (e needForceError) Error() string { return e.msg }

var cli struct {
	Info   infoCmd   `cmd:"" help:"Print summary info about a UODB file or directory."`
	Check  checkCmd  `cmd:"" help:"Verify a UODB file's internal structure."`
	Prune  pruneCmd  `cmd:"" help:"Rewrite a UODB file keeping only live leaves."`
	Export exportCmd `cmd:"" help:"Dump every live (txid, outIndex, height, offset) as CSV."`
}

type infoCmd struct {
	Path string `arg:"" type:"path" help:"Path to a data-N.db file or a directory of them."`
}

func (c *infoCmd) Run() error {
	return forEachDB(c.Path, func(path string) error {
		db, err := uodb.Open(path, quietLog())
		if err != nil {
			return err
		}
		defer db.Close()

		count := 0
		if err := db.Walk(func(uodb.LeafEntry) error {
			count++
			return nil
		}); err != nil {
			return err
		}
		fmt.Printf("%s\n  first block height: %d\n  last block height:  %d\n  live outputs:       %d\n",
			path, db.FirstBlockHeight(), db.LastBlockHeight(), count)
		return nil
	})
}

type checkCmd struct {
	Path string `arg:"" type:"path" help:"Path to a data-N.db file or a directory of them."`
}

func (c *checkCmd) Run() error {
	return forEachDB(c.Path, func(path string) error {
		db, err := uodb.Open(path, quietLog())
		if err != nil {
			return err
		}
		defer db.Close()

		type key struct {
			txid     [32]byte
			outIndex int32
		}
		seen := make(map[key]bool)
		dupes := 0
		count := 0
		if err := db.Walk(func(e uodb.LeafEntry) error {
			count++
			k := key{txid: e.TxID, outIndex: e.OutIndex}
			if seen[k] {
				dupes++
			}
			seen[k] = true
			return nil
		}); err != nil {
			return fmt.Errorf("%s: walking jumptable: %w", path, err)
		}
		if dupes > 0 {
			return fmt.Errorf("%s: %d duplicate leaf entries found across %d live outputs", path, dupes, count)
		}
		fmt.Printf("%s: ok, %d live outputs, no duplicates\n", path, count)
		return nil
	})
}

type pruneCmd struct {
	Path  string `arg:"" type:"path" help:"Path to a data-N.db file or a directory of them."`
	Force bool   `help:"Required: pruning rewrites the file in place (the original is kept as <path>~)."`
}

func (c *pruneCmd) Run() error {
	if !c.Force {
		return needForceError{"prune rewrites the database in place; pass --force to proceed"}
	}
	pruner := uodb.NewPruner()
	return forEachDB(c.Path, func(path string) error {
		db, err := uodb.Open(path, quietLog())
		if err != nil {
			return err
		}
		kept, err := pruner.Prune(db)
		closeErr := db.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("%s: %w", path, closeErr)
		}
		fmt.Printf("%s: kept %d live leaves\n", path, kept)
		return nil
	})
}

type exportCmd struct {
	Path string `arg:"" type:"path" help:"Path to a data-N.db file or a directory of them."`
	Out  string `help:"Write CSV here instead of stdout." type:"path"`
}

func (c *exportCmd) Run() error {
	out := os.Stdout
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	fmt.Fprintln(out, "txid,outIndex,blockHeight,offsetInBlock")
	return forEachDB(c.Path, func(path string) error {
		db, err := uodb.Open(path, quietLog())
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Walk(func(e uodb.LeafEntry) error {
			_, err := fmt.Fprintf(out, "%x,%d,%d,%d\n", e.TxID[:], e.OutIndex, e.BlockHeight, e.OffsetInBlock)
			return err
		})
	})
}

// forEachDB applies fn to path if it names a single .db file, or to every
// data-*.db file in it if it names a directory - the "directory of
// data-N.db files" form SPEC_FULL.md's CLI surface describes.
func forEachDB(path string, fn func(string) error) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fn(path)
	}
	matches, err := filepath.Glob(filepath.Join(path, "data-*.db"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%s: no data-N.db files found", path)
	}
	for _, m := range matches {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// quietLog returns nil so every uodb.Open call falls back to its own
// logv3.Root() default; a CLI tool has no reason to configure a distinct
// logger the way the long-running daemons do.
func quietLog() logv3.Logger {
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("unspentdb"),
		kong.Description("Inspect and maintain UnspentOutputDatabase files."),
	)
	err := ctx.Run()
	if err == nil {
		os.Exit(exitOk)
	}
	fmt.Fprintln(os.Stderr, "unspentdb:", err)
	if _, ok := err.(needForceError); ok {
		os.Exit(exitNeedForce)
	}
	os.Exit(exitCommandFailed)
}
