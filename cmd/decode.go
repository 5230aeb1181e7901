package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adc68/blood-shepherd/internal/frame"
	"github.com/adc68/blood-shepherd/internal/parser"
	"github.com/adc68/blood-shepherd/internal/receiver"
)

var (
	decodeCmd = &cobra.Command{
		Use:   "decode [hex|@file]",
		Short: "Decode a captured response frame",
		Long: "decode reads a hex-encoded response frame, from the argument, from a file given as @path, " +
			"or from stdin, and prints the decoded response as JSON.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := parser.ParseKind(decodeKind)
			if !ok {
				return fmt.Errorf("unknown kind %q", decodeKind)
			}
			raw, err := decodeInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			var opts []parser.Option
			if decodeNoCRC {
				opts = append(opts, parser.WithoutPageCRC(), parser.WithoutRecordCRC())
			}
			p := parser.NewParser(opts...)

			var resp parser.Response
			if decodePayload {
				resp, err = p.Decode(kind, raw)
			} else {
				reader := receiver.NewReader(receiver.WithParser(p))
				resp, err = reader.Read(kind, frame.StreamSource{R: bytes.NewReader(raw)})
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	decodeKind    string
	decodePayload bool
	decodeNoCRC   bool
)

func init() {
	decodeCmd.Flags().StringVarP(&decodeKind, "kind", "k", parser.KindOpaque.String(),
		"response kind: opaque, text, page_range, database_pages, manufacturing_pages, glucose_pages")
	decodeCmd.Flags().BoolVar(&decodePayload, "payload", false, "input is a bare payload without frame header and trailer")
	decodeCmd.Flags().BoolVar(&decodeNoCRC, "no-record-crc", false, "skip page header and record checksums")
}

// decodeInput reads the hex text from the argument, an @file or stdin.
func decodeInput(stdin io.Reader, args []string) ([]byte, error) {
	var text string
	switch {
	case len(args) == 0:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		text = string(b)
	case strings.HasPrefix(args[0], "@"):
		b, err := os.ReadFile(args[0][1:])
		if err != nil {
			return nil, err
		}
		text = string(b)
	default:
		text = args[0]
	}
	return parseHex(text)
}

// parseHex accepts whitespace and 0x prefixes between bytes.
func parseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex input: %w", err)
	}
	return b, nil
}
