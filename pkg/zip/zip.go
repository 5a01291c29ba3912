// Package zip bundles rendered images into a single archive.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

// Asset is one file in an archive.
type Asset struct {
	Filename string
	Data     []byte
}

// Write streams assets into w as a zip archive. Entries carry modified
// so archives of identical images are byte-identical.
func Write(w io.Writer, assets []Asset, modified time.Time) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]bool, len(assets))
	for _, asset := range assets {
		if asset.Filename == "" || seen[asset.Filename] {
			_ = zw.Close()
			return fmt.Errorf("zip: invalid or duplicate entry %q", asset.Filename)
		}
		seen[asset.Filename] = true
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     asset.Filename,
			Method:   zip.Deflate,
			Modified: modified.UTC(),
		})
		if err != nil {
			_ = zw.Close()
			return err
		}
		if _, err := f.Write(asset.Data); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}
