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
	"fmt"
	"log"
	"strconv"
	"sync"
	"unicode"

	"github.com/exascience/elsplice/utils"
)

const (
	// FileFormatVersion is the version of the SAM file format
	// that elsplice implements.
	FileFormatVersion = "1.6"
)

// IsHeaderUserTag determines whether this tag string represents a
// user-defined tag.
func IsHeaderUserTag(code string) bool {
	for _, c := range code {
		if ('a' <= c) && (c <= 'z') {
			return true
		}
	}
	return false
}

// A Header represents the header section of a SAM file.
type Header struct {
	HD          utils.StringMap
	SQ, RG, PG  []utils.StringMap
	CO          []string
	UserRecords map[string][]utils.StringMap
}

// SQLN returns the LN field value in an SQ header line.
func SQLN(record utils.StringMap) int32 {
	ln, found := record["LN"]
	if !found {
		log.Panic("LN entry in an SQ header line missing")
	}
	val, err := strconv.ParseInt(ln, 10, 32)
	if err != nil {
		log.Panic(err, ", while parsing an LN entry in an SQ header line")
	}
	return int32(val)
}

// NewHeader allocates and initializes an empty SAM header.
func NewHeader() *Header { return &Header{} }

// EnsureHD returns the HD line of the header, creating it with
// a default VN entry if it does not exist yet.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// HDSO returns the sorting order (SO) stored in the HD line of the
// header, or "unknown" if not present.
func (hdr *Header) HDSO() string {
	hd := hdr.EnsureHD()
	if sortingOrder, found := hd["SO"]; found {
		return sortingOrder
	}
	return "unknown"
}

// SetHDSO sets the sorting order (SO) stored in the HD line of the
// header, removing a potential GO entry.
func (hdr *Header) SetHDSO(value string) {
	hd := hdr.EnsureHD()
	delete(hd, "GO")
	hd["SO"] = value
}

// AddUserRecord adds a header line for the given user-defined code.
func (hdr *Header) AddUserRecord(code string, record utils.StringMap) {
	if hdr.UserRecords == nil {
		hdr.UserRecords = make(map[string][]utils.StringMap)
	}
	hdr.UserRecords[code] = append(hdr.UserRecords[code], record)
}

// An Alignment represents a single read alignment, corresponding to a
// line in the alignment section of a SAM file.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR string
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   string
	QUAL  string
	TAGS  utils.SmallMap
	Temps utils.SmallMap
}

// Symbols for commonly accessed optional fields and temporary values.
var (
	// MC is the mate CIGAR string.
	MC = utils.Intern("MC")
	// SA records other canonical alignments in a chimeric alignment.
	SA = utils.Intern("SA")
	// NM is the number of differences with the reference sequence.
	NM = utils.Intern("NM")
	// REFID caches the index of RNAME in the sequence dictionary.
	REFID = utils.Intern("REFID")
)

// RefID returns the REFID temporary value of the alignment.
func (aln *Alignment) RefID() int32 {
	refid, ok := aln.Temps.Get(REFID)
	if !ok {
		log.Fatal("REFID in SAM alignment ", aln.QNAME, " not set (use the AddRefID filter to fix this)")
	}
	return refid.(int32)
}

// SetRefID sets the REFID temporary value of the alignment.
func (aln *Alignment) SetRefID(refid int32) {
	aln.Temps.Set(REFID, refid)
}

// NewAlignment allocates and initializes an empty alignment.
func NewAlignment() *Alignment {
	return &Alignment{
		TAGS:  make(utils.SmallMap, 0, 16),
		Temps: make(utils.SmallMap, 0, 4),
	}
}

// CoordinateLess compares two alignments by their reference sequence
// index and position. Unmapped alignments sort after all mapped ones.
func CoordinateLess(aln1, aln2 *Alignment) bool {
	refid1 := aln1.RefID()
	refid2 := aln2.RefID()
	switch {
	case refid1 < refid2:
		return refid1 >= 0
	case refid2 < refid1:
		return refid2 < 0
	default:
		return aln1.POS < aln2.POS
	}
}

// Bit values for the FLAG field in alignments.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// IsMultiple checks for multiple segments (read pairing).
func (aln *Alignment) IsMultiple() bool { return (aln.FLAG & Multiple) != 0 }

// IsUnmapped checks whether the alignment is unmapped.
func (aln *Alignment) IsUnmapped() bool { return (aln.FLAG & Unmapped) != 0 }

// IsReversed checks whether the alignment is reverse complemented.
func (aln *Alignment) IsReversed() bool { return (aln.FLAG & Reversed) != 0 }

// IsFirst checks whether this is the first segment of a pair.
func (aln *Alignment) IsFirst() bool { return (aln.FLAG & First) != 0 }

// IsLast checks whether this is the last segment of a pair.
func (aln *Alignment) IsLast() bool { return (aln.FLAG & Last) != 0 }

// IsSecondary checks for a secondary alignment.
func (aln *Alignment) IsSecondary() bool { return (aln.FLAG & Secondary) != 0 }

// IsSupplementary checks for a supplementary alignment.
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

// CigarOperations contains all valid CIGAR operations.
const CigarOperations = "MmIiDdNnSsHhPpXx="

var cigarOperationsTable = make(map[byte]byte, len(CigarOperations))

func init() {
	for _, c := range CigarOperations {
		cigarOperationsTable[byte(c)] = byte(unicode.ToUpper(rune(c)))
	}
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

// A CigarOperation is a single entry in the CIGAR string of an
// alignment.
type CigarOperation struct {
	Length    int32
	Operation byte // 'M', 'I', 'D', 'N', 'S', 'H', 'P', 'X', or '='
}

func newCigarOperation(cigar string, i int) (op CigarOperation, j int, err error) {
	for j = i; ; j++ {
		if char := cigar[j]; !isDigit(char) {
			length, nerr := strconv.ParseInt(cigar[i:j], 10, 32)
			if nerr != nil {
				err = nerr
				return
			}
			if operation := cigarOperationsTable[char]; operation != 0 {
				op = CigarOperation{int32(length), operation}
				j++
			} else {
				err = fmt.Errorf("invalid CIGAR operation %v", char)
			}
			return
		}
	}
}

var (
	cigarSliceCache      = map[string][]CigarOperation{"*": {}}
	cigarSliceCacheMutex = sync.RWMutex{}
)

func slowScanCigarString(cigar string) (slice []CigarOperation, err error) {
	for i := 0; i < len(cigar); {
		cigarOperation, j, err := newCigarOperation(cigar, i)
		if err != nil {
			return nil, fmt.Errorf("%v, while scanning CIGAR string %v", err, cigar)
		}
		slice = append(slice, cigarOperation)
		i = j
	}
	cigarSliceCacheMutex.Lock()
	if value, found := cigarSliceCache[cigar]; found {
		slice = value
	} else {
		cigarSliceCache[cigar] = slice
	}
	cigarSliceCacheMutex.Unlock()
	return slice, nil
}

// ScanCigarString converts a CIGAR string to a slice of
// CigarOperation. It uses an internal cache to avoid recomputing the
// same slices. It is safe for concurrent use.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	cigarSliceCacheMutex.RLock()
	value, found := cigarSliceCache[cigar]
	cigarSliceCacheMutex.RUnlock()
	if found {
		return value, nil
	}
	return slowScanCigarString(cigar)
}
