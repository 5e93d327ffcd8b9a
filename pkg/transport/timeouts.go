package transport

import (
	"os"
	"strconv"
	"time"
)

// Timeouts groups the read-timeout families used by client operations.
// Listing and metadata calls use short timeouts, chunk reads longer ones and
// bulk writes the longest. A zero value means the operation is unbounded.
type Timeouts struct {
	// Connect bounds establishing a connection to a datamesh service.
	Connect time.Duration

	// Read applies to small JSON payload operations (metadata, sessions).
	Read time.Duration

	// Stage applies to the query staging endpoint.
	Stage time.Duration

	// Download applies to bulk query downloads.
	Download time.Duration

	// Write applies to bulk data writes. Zero means unbounded.
	Write time.Duration

	// ChunkRead applies to individual chunk-store reads.
	ChunkRead time.Duration

	// ChunkWrite applies to individual chunk-store writes. Write
	// acknowledgement arrives only after the chunk is fully stored, so
	// this is much longer than ChunkRead.
	ChunkWrite time.Duration
}

// DefaultTimeouts returns the documented timeout defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    3050 * time.Millisecond,
		Read:       10 * time.Second,
		Stage:      300 * time.Second,
		Download:   900 * time.Second,
		Write:      0,
		ChunkRead:  60 * time.Second,
		ChunkWrite: 600 * time.Second,
	}
}

// TimeoutsFromEnv overlays DATAMESH_*_TIMEOUT environment variables onto the
// defaults. Values are seconds; the literal "None" selects an unbounded
// timeout. Unparseable values are ignored.
func TimeoutsFromEnv() Timeouts {
	t := DefaultTimeouts()
	overlay := []struct {
		env string
		dst *time.Duration
	}{
		{"DATAMESH_CONNECT_TIMEOUT", &t.Connect},
		{"DATAMESH_READ_TIMEOUT", &t.Read},
		{"DATAMESH_STAGE_READ_TIMEOUT", &t.Stage},
		{"DATAMESH_DOWNLOAD_TIMEOUT", &t.Download},
		{"DATAMESH_WRITE_TIMEOUT", &t.Write},
		{"DATAMESH_CHUNK_READ_TIMEOUT", &t.ChunkRead},
		{"DATAMESH_CHUNK_WRITE_TIMEOUT", &t.ChunkWrite},
	}
	for _, o := range overlay {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		if v == "None" {
			*o.dst = 0
			continue
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			*o.dst = time.Duration(secs * float64(time.Second))
		}
	}
	return t
}
