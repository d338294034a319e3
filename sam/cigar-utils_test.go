// elSplice: a high-performance tool for splitting spliced RNA-seq alignments in SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsplice/blob/master/LICENSE.txt>.

package sam

import (
	"testing"
)

func makeAlignment(pos int32, cigar string) *Alignment {
	aln := NewAlignment()
	aln.QNAME = "read1"
	aln.RNAME = "chr1"
	aln.POS = pos
	aln.CIGAR = cigar
	return aln
}

func TestEnd(t *testing.T) {
	if end := makeAlignment(100, "10M").End(); end != 109 {
		t.Error("End of 10M failed, got", end)
	}
	if end := makeAlignment(100, "5S10M2D3M").End(); end != 114 {
		t.Error("End of 5S10M2D3M failed, got", end)
	}
	if end := makeAlignment(100, "10M20N15M").End(); end != 144 {
		t.Error("End of 10M20N15M failed, got", end)
	}
}

func TestSoftStartAndSoftEnd(t *testing.T) {
	aln := makeAlignment(100, "5S10M3S")
	if start := aln.SoftStart(); start != 95 {
		t.Error("SoftStart of 5S10M3S failed, got", start)
	}
	if end := aln.SoftEnd(); end != 112 {
		t.Error("SoftEnd of 5S10M3S failed, got", end)
	}
	aln = makeAlignment(100, "2H5S10M")
	if start := aln.SoftStart(); start != 95 {
		t.Error("SoftStart of 2H5S10M failed, got", start)
	}
	aln = makeAlignment(100, "10M3S2H")
	if end := aln.SoftEnd(); end != 112 {
		t.Error("SoftEnd of 10M3S2H failed, got", end)
	}
	aln = makeAlignment(100, "10M")
	if start, end := aln.SoftStart(), aln.SoftEnd(); start != 100 || end != 109 {
		t.Error("SoftStart/SoftEnd of 10M failed, got", start, end)
	}
}

func TestReadLengthFromCigar(t *testing.T) {
	cigar, err := ScanCigarString("5S10M2I3M")
	if err != nil {
		t.Fatal(err)
	}
	if length := ReadLengthFromCigar(cigar); length != 20 {
		t.Error("ReadLengthFromCigar of 5S10M2I3M failed, got", length)
	}
}

func checkClip(t *testing.T, aln *Alignment, cigar string, pos int32) {
	t.Helper()
	if aln.CIGAR != cigar || aln.POS != pos {
		t.Errorf("expected %v at %v, got %v at %v", cigar, pos, aln.CIGAR, aln.POS)
	}
}

func TestSoftClipLeadingBases(t *testing.T) {
	aln := makeAlignment(100, "20M")
	aln.SoftClipLeadingBases(4)
	checkClip(t, aln, "5S15M", 105)

	aln = makeAlignment(100, "10M5D10M")
	aln.SoftClipLeadingBases(9)
	checkClip(t, aln, "10S10M", 115)

	aln = makeAlignment(100, "5S15M")
	aln.SoftClipLeadingBases(7)
	checkClip(t, aln, "8S12M", 103)

	aln = makeAlignment(100, "2H20M")
	aln.SoftClipLeadingBases(4)
	checkClip(t, aln, "2H5S15M", 105)

	aln = makeAlignment(100, "10M2I8M")
	aln.SoftClipLeadingBases(10)
	checkClip(t, aln, "11S1I8M", 110)
}

func TestSoftClipTrailingBases(t *testing.T) {
	aln := makeAlignment(100, "20M")
	aln.SoftClipTrailingBases(15)
	checkClip(t, aln, "15M5S", 100)

	aln = makeAlignment(100, "10M5D10M")
	aln.SoftClipTrailingBases(10)
	checkClip(t, aln, "10M10S", 100)

	aln = makeAlignment(100, "15M5S")
	aln.SoftClipTrailingBases(12)
	checkClip(t, aln, "12M8S", 100)

	aln = makeAlignment(100, "20M3H")
	aln.SoftClipTrailingBases(15)
	checkClip(t, aln, "15M5S3H", 100)
}

func TestFormatCigar(t *testing.T) {
	cigar, err := ScanCigarString("5S10M2D3M")
	if err != nil {
		t.Fatal(err)
	}
	if s := FormatCigar(cigar); s != "5S10M2D3M" {
		t.Error("FormatCigar failed, got", s)
	}
	if s := FormatCigar(nil); s != "*" {
		t.Error("FormatCigar of an empty slice failed, got", s)
	}
}
