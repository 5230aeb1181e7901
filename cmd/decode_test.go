package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adc68/blood-shepherd/internal/testutil"
)

func runDecode(t *testing.T, args ...string) (string, error) {
	t.Helper()
	decodeKind, decodePayload, decodeNoCRC = "opaque", false, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"decode"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodePageRangeFrame(t *testing.T) {
	raw := testutil.LoadHex(t, "frames/page_range.hex")
	out, err := runDecode(t, "--kind", "page_range", hex.EncodeToString(raw))
	require.NoError(t, err)

	var got struct{ FirstPage, LastPage uint32 }
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, uint32(1), got.FirstPage)
	require.Equal(t, uint32(2), got.LastPage)
}

func TestDecodeGlucoseFile(t *testing.T) {
	out, err := runDecode(t, "-k", "glucose_pages", "@"+filepath.Join("..", "testdata", "frames", "glucose_pages.hex"))
	require.NoError(t, err)

	var got struct {
		Records []struct {
			RecordNumber uint32 `json:"record_number"`
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Records, 152)
	require.Equal(t, uint32(55821), got.Records[151].RecordNumber)
}

func TestDecodeBarePayload(t *testing.T) {
	out, err := runDecode(t, "--payload", "-k", "page_range", "0x01 0x00 0x00 0x00 0x02 0x00 0x00 0x00")
	require.NoError(t, err)
	require.Contains(t, out, `"LastPage": 2`)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := runDecode(t, "-k", "nonsense", "00")
	require.ErrorContains(t, err, "unknown kind")

	_, err = runDecode(t, "zz")
	require.ErrorContains(t, err, "parse hex input")
}

func TestDecodeReadsStdin(t *testing.T) {
	decodeKind, decodePayload, decodeNoCRC = "opaque", false, false
	raw := testutil.LoadHex(t, "frames/page_range.hex")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(hex.EncodeToString(raw) + "\n"))
	rootCmd.SetArgs([]string{"decode", "--kind", "page_range"})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), `"FirstPage": 1`)

	out.Reset()
	rootCmd.SetIn(strings.NewReader("not hex"))
	rootCmd.SetArgs([]string{"decode"})
	require.ErrorContains(t, rootCmd.Execute(), "parse hex input")
}
