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

package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/exascience/elsplice/fasta"
	"github.com/exascience/elsplice/internal"
	"github.com/exascience/elsplice/intervals"
	"github.com/exascience/elsplice/sam"
	"github.com/exascience/elsplice/splice"
	"github.com/exascience/elsplice/utils"
	"github.com/exascience/pargo/pipeline"
)

// SplitHelp is the help string for this command.
const SplitHelp = "split parameters:\n" +
	"elsplice split sam-file sam-output-file\n" +
	"--reference elfasta-file\n" +
	"[--max-reads-in-memory nr]\n" +
	"[--max-mismatches-in-overhang nr]\n" +
	"[--max-bases-in-overhang nr]\n" +
	"[--do-not-fix-overhangs]\n" +
	"[--process-secondary-alignments]\n" +
	"[--fix-ndn]\n" +
	"[--target-regions bed-file]\n" +
	"[--reference-fai fai-file]\n" +
	"[--reference-fasta fasta-file]\n" +
	"[--nr-of-threads nr]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n"

// alignmentWriter writes the alignments the manager emits to a SAM,
// BAM, or CRAM output file.
type alignmentWriter struct {
	out *sam.OutputFile
	buf []byte
}

func (w *alignmentWriter) Write(aln *sam.Alignment) {
	buf, err := aln.Format(w.buf[:0])
	if err != nil {
		log.Panic(err)
	}
	w.buf = buf
	if _, err := w.out.Write(buf); err != nil {
		log.Panic(err)
	}
}

// targetRegionsFilter removes mapped alignments that do not overlap
// any of the given intervals. Unmapped alignments pass through.
func targetRegionsFilter(regions map[string][]intervals.Interval) sam.AlignmentFilter {
	return func(aln *sam.Alignment) bool {
		if aln.IsUnmapped() {
			return true
		}
		ivals, found := regions[aln.RNAME]
		if !found {
			return false
		}
		return intervals.Overlap(ivals, aln.POS, aln.End())
	}
}

// runSplitPass streams the alignment section of the input through the
// splitter, parsing and filtering in parallel, but splitting in the
// original input order.
func runSplitPass(in *sam.InputFile, alnFilters []sam.AlignmentFilter, splitter *splice.Splitter) error {
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(in.Reader))
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			strs := data.([]string)
			alns := make([]*sam.Alignment, 0, len(strs))
			var sc sam.StringScanner
			for _, str := range strs {
				sc.Reset(str)
				aln := sc.ParseAlignment()
				if err := sc.Err(); err != nil {
					p.SetErr(fmt.Errorf("%v, while parsing SAM alignment %v", err, str))
					return alns
				}
				keep := true
				for _, f := range alnFilters {
					if !f(aln) {
						keep = false
						break
					}
				}
				if keep {
					alns = append(alns, aln)
				}
			}
			return alns
		})),
		pipeline.Ord(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for _, aln := range data.([]*sam.Alignment) {
				if err := splitter.Split(aln); err != nil {
					p.SetErr(err)
					break
				}
			}
			return data
		})),
	)
	p.Run()
	return p.Err()
}

// Split implements the elsplice split command.
func Split() error {
	var (
		reference, targetRegions            string
		referenceFai, referenceFasta        string
		profile, logPath                    string
		maxReadsInMemory                    int
		maxMismatches, maxBases             int
		nrOfThreads                         int
		doNotFixOverhangs, processSecondary bool
		fixNDN, timed                       bool
	)

	var flags flag.FlagSet
	flags.StringVar(&reference, "reference", "", "reference file in the .elfasta format")
	flags.IntVar(&maxReadsInMemory, "max-reads-in-memory", 150000, "maximum number of reads to buffer before flushing to the output")
	flags.IntVar(&maxMismatches, "max-mismatches-in-overhang", 1, "maximum number of mismatches permitted in an overhang before it is clipped")
	flags.IntVar(&maxBases, "max-bases-in-overhang", 40, "maximum number of bases in an overhang considered for clipping")
	flags.BoolVar(&doNotFixOverhangs, "do-not-fix-overhangs", false, "do not clip overhangs at all")
	flags.BoolVar(&processSecondary, "process-secondary-alignments", false, "also clip overhangs of secondary alignments")
	flags.BoolVar(&fixNDN, "fix-ndn", false, "collapse N-D-N CIGAR operations into a single N operation")
	flags.StringVar(&targetRegions, "target-regions", "", "BED file restricting processing to the given regions")
	flags.StringVar(&referenceFai, "reference-fai", "", "reference FAI file for writing CRAM output")
	flags.StringVar(&referenceFasta, "reference-fasta", "", "reference FASTA file for writing CRAM output")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.BoolVar(&timed, "timed", false, "measure the runtime of the different phases")
	flags.StringVar(&profile, "profile", "", "write a CPU profile per phase to the given file prefix")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	parseFlags(flags, 4, SplitHelp)

	input := getFilename(os.Args[2], SplitHelp)
	output := getFilename(os.Args[3], SplitHelp)

	setLogOutput(logPath)

	ok := checkExist("", input)
	ok = checkCreate("", output) && ok
	if reference == "" {
		log.Println("Error: Attempt to split alignments without specifying a reference file. Please add the --reference option to your call.")
		ok = false
	} else {
		ok = checkExist("--reference", reference) && ok
	}
	if targetRegions != "" {
		ok = checkExist("--target-regions", targetRegions) && ok
	}
	if referenceFai != "" {
		ok = checkExist("--reference-fai", referenceFai) && ok
	}
	if referenceFasta != "" {
		ok = checkExist("--reference-fasta", referenceFasta) && ok
	}
	if !ok {
		fmt.Fprint(os.Stderr, SplitHelp)
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	ref := fasta.OpenElfasta(internal.FullPathname(reference))
	defer ref.Close()

	var regions map[string][]intervals.Interval
	if targetRegions != "" {
		var err error
		regions, err = intervals.FromBedFile(targetRegions)
		if err != nil {
			return err
		}
		for chrom, ivals := range regions {
			intervals.ParallelSortByStart(ivals)
			regions[chrom] = intervals.ParallelFlatten(ivals)
		}
	}

	out, err := sam.Create(internal.FullPathname(output), referenceFai, referenceFasta)
	if err != nil {
		return err
	}
	outClosed := false
	defer func() {
		if !outClosed {
			_ = out.Close()
		}
	}()

	writer := &alignmentWriter{out: out}
	manager := splice.NewManager(writer, ref, maxReadsInMemory, maxMismatches, maxBases, doNotFixOverhangs, processSecondary)
	splitter := splice.NewSplitter(manager, fixNDN)

	var alnFilters []sam.AlignmentFilter

	err = timedRun(timed, profile, "First pass: splitting alignments and recording mate changes.", 1, func() (err error) {
		in, err := sam.Open(input, false)
		if err != nil {
			return err
		}
		defer func() {
			nerr := in.Close()
			if err == nil {
				err = nerr
			}
		}()
		hdr, err := sam.ParseHeader(in.Reader)
		if err != nil {
			return err
		}
		hdrFilters := []sam.Filter{
			sam.AddPGLine(utils.StringMap{
				"ID": utils.ProgramName,
				"PN": utils.ProgramName,
				"VN": utils.ProgramVersion,
				"CL": strings.Join(os.Args, " "),
			}),
			sam.AddRefID,
		}
		alnFilters = sam.ComposeFilters(hdr, hdrFilters)
		if regions != nil {
			alnFilters = append(alnFilters, targetRegionsFilter(regions))
		}
		// splitting can reorder reads near flush boundaries
		hdr.SetHDSO("unknown")
		hdr.Format(out.Writer)
		return runSplitPass(in, alnFilters, splitter)
	})
	if err != nil {
		return err
	}

	manager.ActivateEmitting()

	err = timedRun(timed, profile, "Second pass: emitting split alignments.", 2, func() (err error) {
		in, err := sam.Open(input, false)
		if err != nil {
			return err
		}
		defer func() {
			nerr := in.Close()
			if err == nil {
				err = nerr
			}
		}()
		if err := sam.SkipHeader(in.Reader); err != nil {
			return err
		}
		return runSplitPass(in, alnFilters, splitter)
	})
	if err != nil {
		return err
	}

	manager.Close()
	outClosed = true
	return out.Close()
}
