// qcow2-dump prints the header and L1/L2 allocation tables of a qcow2 image.
//
// Usage:
//
//	qcow2-dump <image>
//
// QCOW2_DUMP_LOG_LEVEL sets the log level (default "warning").
//
// Every allocated L1 entry walks an L2 table of `clusters` entries, which is
// capped at 16777216 entries per table. Larger disks, such as 2 TiB at 64 KiB
// clusters, fail with a "table size limit exceeded" error unless
// QCOW2_DUMP_MAX_L2_ENTRIES raises the cap; 0 removes it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"qcow2-dump/pkg/gqcow2"
)

const (
	logLevelEnv     = "QCOW2_DUMP_LOG_LEVEL"
	maxL2EntriesEnv = "QCOW2_DUMP_MAX_L2_ENTRIES"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "qcow2-dump: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: qcow2-dump <image>")
	}

	logger, err := newLogger(os.Getenv(logLevelEnv), stderr)
	if err != nil {
		return err
	}

	opts := []gqcow2.Option{gqcow2.WithLogger(logger)}
	if v := os.Getenv(maxL2EntriesEnv); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s", maxL2EntriesEnv)
		}
		if n == 0 {
			n = gqcow2.NoLimit
		}
		opts = append(opts, gqcow2.WithMaxL2Entries(n))
	}

	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening image")
	}
	defer f.Close()

	img, err := gqcow2.NewFileImage(f, filepath.Base(path), opts...)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	logger.Debug(img.String())

	output, err := json.MarshalIndent(img.Metadata, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "qcow2 dump: %s\n", output)
	return err
}

func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.WarnLevel)
	if level == "" {
		return logger, nil
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", logLevelEnv)
	}
	logger.SetLevel(lvl)
	return logger, nil
}
