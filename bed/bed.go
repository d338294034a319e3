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

// Package bed provides a parser for BED files that describe the
// target regions an elsplice run can be restricted to. See
// https://genome.ucsc.edu/FAQ/FAQformat.html#format1
package bed

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/elsplice/utils"
)

// Bed represents the contents of a BED file.
type Bed struct {
	// Maps chromosome name onto bed regions.
	RegionMap map[utils.Symbol][]*Region
}

// A Region is an interval as defined in a BED file. Optional fields
// beyond strand are kept verbatim.
type Region struct {
	Chrom          utils.Symbol
	Start          int32
	End            int32
	Name           string
	Score          int
	Strand         utils.Symbol
	OptionalFields []string
}

// Symbols for the strand field of a Region.
var (
	// Strand forward.
	SF = utils.Intern("+")
	// Strand reverse.
	SR = utils.Intern("-")
)

// NewRegion allocates and initializes a new Region. Optional fields
// are given in order; a "later" field can only be present if all
// "earlier" fields are present as well.
func NewRegion(chrom utils.Symbol, start, end int32, fields []string) (*Region, error) {
	region := &Region{
		Chrom: chrom,
		Start: start,
		End:   end,
	}
	if len(fields) > 0 {
		region.Name = fields[0]
	}
	if len(fields) > 1 {
		score, err := strconv.Atoi(fields[1])
		if err != nil || score < 0 || score > 1000 {
			return nil, fmt.Errorf("invalid score field %v in BED region", fields[1])
		}
		region.Score = score
	}
	if len(fields) > 2 {
		if fields[2] != "+" && fields[2] != "-" {
			return nil, fmt.Errorf("invalid strand field %v in BED region", fields[2])
		}
		region.Strand = utils.Intern(fields[2])
	}
	if len(fields) > 3 {
		region.OptionalFields = fields[3:]
	}
	return region, nil
}

// NewBed allocates and initializes an empty bed.
func NewBed() *Bed {
	return &Bed{
		RegionMap: make(map[utils.Symbol][]*Region),
	}
}

// AddRegion adds a region to the bed region map.
func (bed *Bed) AddRegion(region *Region) {
	bed.RegionMap[region.Chrom] = append(bed.RegionMap[region.Chrom], region)
}

func sortRegions(bed *Bed) {
	for _, regions := range bed.RegionMap {
		sort.SliceStable(regions, func(i, j int) bool {
			return regions[i].Start < regions[j].Start
		})
	}
}

// ParseBed parses a BED file. Track and browser lines as well as
// comments are skipped.
func ParseBed(filename string) (b *Bed, err error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if nerr := file.Close(); err == nil {
			err = nerr
		}
	}()

	bed := NewBed()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" ||
			strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "track") ||
			strings.HasPrefix(line, "browser") {
			continue
		}
		data := strings.Split(line, "\t")
		if len(data) < 3 {
			return nil, fmt.Errorf("invalid BED line %v", line)
		}
		chrom := utils.Intern(data[0])
		start, err := strconv.ParseInt(data[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%v, while parsing the start of BED line %v", err, line)
		}
		end, err := strconv.ParseInt(data[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%v, while parsing the end of BED line %v", err, line)
		}
		region, err := NewRegion(chrom, int32(start), int32(end), data[3:])
		if err != nil {
			return nil, err
		}
		bed.AddRegion(region)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sortRegions(bed)
	return bed, nil
}
