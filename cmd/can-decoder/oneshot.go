package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/decode"
	"github.com/kstaniek/go-can-decoder/internal/replay"
	"github.com/kstaniek/go-can-decoder/internal/sample"
)

// runOneShot decodes the comma separated frames of cfg.frames and writes the
// samples as JSON lines to stdout. Problems go to stderr; the exit code is 1
// when any frame failed and 2 for a bad configuration.
func runOneShot(cfg *appConfig, db *dbc.Database, stdout, stderr io.Writer) int {
	dec, err := cfg.newSignalDecoder()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	eng := decode.New(dbc.NewStore(db),
		decode.WithDecoder(dec),
		decode.WithSignalGauges(false),
	)
	var codec sample.Codec
	code := 0
	for _, tok := range strings.Split(cfg.frames, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		fr, err := replay.ParseFrame(tok)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tok, err)
			code = 1
			continue
		}
		batch, err := eng.DecodeFrame(fr)
		if len(batch) > 0 {
			if werr := codec.EncodeTo(stdout, batch); werr != nil {
				fmt.Fprintf(stderr, "write: %v\n", werr)
				return 1
			}
		}
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", tok, err)
			code = 1
		}
	}
	return code
}
