// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package blobstore

import (
	"io/fs"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// BlobSummary is one entry produced by a store scan.
type BlobSummary struct {
	ID         string
	BlocksPath string
	SizeBlocks int64
	LastModSec int64
	DevicePath string
	InUse      InUse
}

// scan walks the store directory depth-first, ignoring the descriptor
// file, and materializes a BlobSummary for every blocks file found, in
// discovery order.
func (s *Store) scan() ([]BlobSummary, error) {
	var summaries []BlobSummary
	err := filepath.WalkDir(s.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path) == metadataFileName {
			return nil
		}
		id, kind, ok := classify(s.Path, s.desc.Format, path)
		if !ok || kind != KindBlocks {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Warnf("blobstore: scan: stat %s: %v", path, err)
			return nil
		}
		devicePath, err := s.devicePath(id)
		if err != nil {
			log.Warnf("blobstore: scan: device path for %s: %v", id, err)
		}
		inUse, _ := s.checkInUse(id, 0)
		summaries = append(summaries, BlobSummary{
			ID:         id,
			BlocksPath: path,
			SizeBlocks: info.Size() / BlockSize,
			LastModSec: info.ModTime().Unix(),
			DevicePath: devicePath,
			InUse:      inUse,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// partitionSummaries splits summaries into purgeable (in_use & ~Backed
// == 0) and pinned (everything else).
func partitionSummaries(summaries []BlobSummary) (purgeable, pinned []BlobSummary) {
	for _, b := range summaries {
		if b.InUse&^Backed == 0 {
			purgeable = append(purgeable, b)
		} else {
			pinned = append(pinned, b)
		}
	}
	return purgeable, pinned
}

// purgeLRU stable-sorts purgeable by LastModSec ascending and deletes
// blobs until cumulative reclaimed blocks reaches need, returning the
// total reclaimed. Individual deletion failures are swallowed: LRU
// revocation is best-effort, and the caller decides whether enough was
// freed overall.
func (s *Store) purgeLRU(purgeable []BlobSummary, need int64) int64 {
	sorted := make([]BlobSummary, len(purgeable))
	copy(sorted, purgeable)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastModSec < sorted[j].LastModSec
	})

	var reclaimed int64
	for _, b := range sorted {
		if reclaimed >= need {
			break
		}
		if _, err := s.deleteBlobFiles(b.ID); err != nil {
			log.Debugf("blobstore: LRU purge of %s failed, continuing: %v", b.ID, err)
			continue
		}
		log.Infof("blobstore: LRU revoked %s (%d blocks)", b.ID, b.SizeBlocks)
		reclaimed += b.SizeBlocks
	}
	return reclaimed
}
