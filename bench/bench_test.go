// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/tursodatabase/libsql-sub004/segment"
	"github.com/tursodatabase/libsql-sub004/vwal"
	"github.com/tursodatabase/libsql-sub004/walfmt"
)

func BenchmarkAppend(b *testing.B) {
	sizes := []int{1, 10, 100}
	sizeNames := []string{"1", "10", "100"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, bSize := range batchSizes {
			b.Run(fmt.Sprintf("pages=%s/batchSize=%d/v=vwal", sizeNames[i], bSize), func(b *testing.B) {
				db, done := openBenchDB(b)
				defer done()
				runAppendBench(b, db, s, bSize)
			})
		}
	}
}

func openBenchDB(b *testing.B) (*vwal.Database, func()) {
	tmpDir, err := os.MkdirTemp("", "vwal-bench-*")
	require.NoError(b, err)

	// Force rotation once a segment holds more than 512 frames to profile
	// segment rotation cost alongside steady-state append throughput.
	db, err := vwal.Open(vwal.WithDir(tmpDir), vwal.WithMaxSegmentFrames(512))
	require.NoError(b, err)

	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func runAppendBench(b *testing.B, db *vwal.Database, pagesPerCommit, nCommits int) {
	conn := db.Connect()
	defer conn.Close()

	hist := hdrhistogram.New(1, 10_000_000, 3)

	b.ResetTimer()
	pgno := uint32(1)
	for i := 0; i < b.N; i++ {
		for c := 0; c < nCommits; c++ {
			pages := make([]segment.PageWrite, pagesPerCommit)
			for j := range pages {
				pages[j] = segment.PageWrite{PageNo: pgno}
				pgno++
			}

			require.NoError(b, conn.BeginWriteTxn())
			start := time.Now()
			_, err := conn.InsertPages(pages, pgno-1, true)
			hist.RecordValue(time.Since(start).Nanoseconds())
			require.NoError(b, err)
			require.NoError(b, conn.EndWriteTxn())
		}
	}
	b.StopTimer()

	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-ns")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
}

func BenchmarkReadFrame(b *testing.B) {
	sizes := []int{1000, 100_000}
	sizeNames := []string{"1k", "100k"}

	for i, n := range sizes {
		b.Run(fmt.Sprintf("numFrames=%s/v=vwal", sizeNames[i]), func(b *testing.B) {
			db, done := openBenchDB(b)
			defer done()
			populatePages(b, db, n)
			runReadFrameBench(b, db, n)
		})
	}
}

func populatePages(b *testing.B, db *vwal.Database, n int) {
	conn := db.Connect()
	defer conn.Close()

	batchSize := 1000
	pgno := uint32(1)
	for i := 0; i < n; i += batchSize {
		count := batchSize
		if n-i < count {
			count = n - i
		}
		pages := make([]segment.PageWrite, count)
		for j := range pages {
			pages[j] = segment.PageWrite{PageNo: pgno}
			pgno++
		}
		require.NoError(b, conn.BeginWriteTxn())
		_, err := conn.InsertPages(pages, pgno-1, true)
		require.NoError(b, err)
		require.NoError(b, conn.EndWriteTxn())
	}
}

func runReadFrameBench(b *testing.B, db *vwal.Database, n int) {
	conn := db.Connect()
	defer conn.Close()
	_, err := conn.BeginReadTxn()
	require.NoError(b, err)
	defer conn.EndReadTxn()

	var buf [walfmt.PageSize]byte
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pgno := uint32((i % n) + 1)
		marker, ok, err := conn.FindFrame(pgno)
		require.NoError(b, err)
		require.True(b, ok)
		require.NoError(b, conn.ReadFrame(marker, buf[:]))
	}
}
