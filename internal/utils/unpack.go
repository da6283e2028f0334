package utils

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
)

func IsTarGz(file string) bool {
	fileHandle, err := os.Open(file)
	if err != nil {
		return false
	}
	defer fileHandle.Close()

	buffer := make([]byte, 512) // Read the first 512 bytes for MIME detection
	n, err := fileHandle.Read(buffer)
	if err != nil {
		return false
	}

	mimeType := http.DetectContentType(buffer[:n])
	return mimeType == "application/gzip" || mimeType == "application/x-gzip"
}

// ReadTarGz reads every regular file of a .tar.gz bundle into memory, keyed by its cleaned
// path inside the bundle. Entries larger than maxEntry bytes are skipped.
func ReadTarGz(tarGzFile string, maxEntry int64) (map[string][]byte, error) {
	fileHandle, err := os.Open(tarGzFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open tar.gz file: %w", err)
	}
	defer fileHandle.Close()

	gz, err := gzip.NewReader(fileHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip header: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to unpack tar.gz file: %w", err)
		}
		if header.Typeflag != tar.TypeReg || header.Size > maxEntry {
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from tar.gz file: %w", header.Name, err)
		}
		files[path.Clean(strings.TrimPrefix(header.Name, "./"))] = data
	}
	return files, nil
}
