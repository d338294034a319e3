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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/exascience/elsplice/utils"
)

// ParseHeaderField parses a TAG:VALUE pair in a SAM header line.
func (sc *StringScanner) ParseHeaderField() (tag, value string) {
	if sc.err != nil {
		return
	}
	tag, ok := sc.readUntil(':')
	if !ok || (len(tag) != 2) {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field tag %v", tag)
		}
		return "", ""
	}
	value, _ = sc.readUntil('\t')
	return tag, value
}

// ParseHeaderLine parses all TAG:VALUE pairs in a SAM header line.
func (sc *StringScanner) ParseHeaderLine() utils.StringMap {
	if sc.err != nil {
		return nil
	}
	record := make(utils.StringMap)
	for sc.Len() > 0 {
		tag, value := sc.ParseHeaderField()
		if !record.SetUniqueEntry(tag, value) {
			if sc.err == nil {
				sc.err = fmt.Errorf("duplicate field tag %v in a SAM header line", tag)
			}
			break
		}
	}
	return record
}

// ParseHeader parses the header section of a SAM file, leaving the
// reader at the start of the alignment section.
func ParseHeader(reader *bufio.Reader) (hdr *Header, err error) {
	hdr = NewHeader()
	var sc StringScanner
	for first := true; ; first = false {
		switch data, err := reader.Peek(1); {
		case err == io.EOF:
			return hdr, sc.err
		case err != nil:
			return hdr, err
		case data[0] != '@':
			return hdr, sc.err
		}
		bytes, err := reader.ReadSlice('\n')
		length := len(bytes)
		switch {
		case err == nil:
			length--
		case err != io.EOF:
			return hdr, err
		}
		line := string(bytes[4:length])
		sc.Reset(line)
		switch string(bytes[0:4]) {
		case "@HD\t":
			if !first {
				return hdr, errors.New("@HD line not in first line when parsing a SAM header")
			}
			hdr.HD = sc.ParseHeaderLine()
		case "@SQ\t":
			hdr.SQ = append(hdr.SQ, sc.ParseHeaderLine())
		case "@RG\t":
			hdr.RG = append(hdr.RG, sc.ParseHeaderLine())
		case "@PG\t":
			hdr.PG = append(hdr.PG, sc.ParseHeaderLine())
		case "@CO\t":
			hdr.CO = append(hdr.CO, line)
		default:
			switch code := string(bytes[0:3]); {
			case code == "@CO":
				hdr.CO = append(hdr.CO, string(bytes[3:length]))
			case IsHeaderUserTag(code):
				if bytes[3] != '\t' {
					return hdr, fmt.Errorf("header code %v not followed by a tab when parsing a SAM header", code)
				}
				hdr.AddUserRecord(code, sc.ParseHeaderLine())
			default:
				return hdr, fmt.Errorf("unknown SAM record type code %v", code)
			}
		}
	}
}

// SkipHeader skips the header section of a SAM file, leaving the
// reader at the start of the alignment section.
func SkipHeader(reader *bufio.Reader) error {
	for {
		data, err := reader.Peek(1)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if data[0] != '@' {
			return nil
		}
		if _, err := reader.ReadSlice('\n'); err != nil && err != io.EOF {
			if err == bufio.ErrBufferFull {
				for err == bufio.ErrBufferFull {
					_, err = reader.ReadSlice('\n')
				}
				if err != nil && err != io.EOF {
					return err
				}
				continue
			}
			return err
		}
	}
}

// ByteArray is a representation for byte arrays in optional fields of
// alignments.
type ByteArray []byte

// A NumericArray is a representation for B-typed optional fields of
// alignments, preserving the original element type code.
type NumericArray struct {
	Type   byte // one of 'c', 'C', 's', 'S', 'i', 'I', or 'f'
	Ints   []int64
	Floats []float32
}

var numericArrayBits = map[byte]int{'c': 8, 'C': 8, 's': 16, 'S': 16, 'i': 32, 'I': 32}

func (sc *StringScanner) parseNumericArray() interface{} {
	ntype, ok := sc.readByteUntil(',')
	if !ok {
		if sc.err == nil {
			sc.err = errors.New("missing entry in numeric array")
		}
		return nil
	}
	result := NumericArray{Type: ntype}
	switch ntype {
	case 'c', 's', 'i':
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseInt(entry, 10, numericArrayBits[ntype])
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil
			}
			result.Ints = append(result.Ints, val)
			if sep != ',' {
				break
			}
		}
	case 'C', 'S', 'I':
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseUint(entry, 10, numericArrayBits[ntype])
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil
			}
			result.Ints = append(result.Ints, int64(val))
			if sep != ',' {
				break
			}
		}
	case 'f':
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseFloat(entry, 32)
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil
			}
			result.Floats = append(result.Floats, float32(val))
			if sep != ',' {
				break
			}
		}
	default:
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid numeric array type %v", ntype)
		}
		return nil
	}
	return result
}

func (sc *StringScanner) parseByteArray() interface{} {
	value, _ := sc.readUntil('\t')
	result := ByteArray(make([]byte, 0, len(value)>>1))
	for i := 0; i < len(value); i += 2 {
		val, err := strconv.ParseUint(value[i:i+2], 16, 8)
		if err != nil {
			if sc.err == nil {
				sc.err = err
			}
			return nil
		}
		result = append(result, byte(val))
	}
	return result
}

// ParseOptionalField parses a TAG:TYPE:VALUE optional field of an
// alignment line.
func (sc *StringScanner) ParseOptionalField() (tag utils.Symbol, value interface{}) {
	if sc.err != nil {
		return nil, nil
	}
	tagname, ok := sc.readUntil(':')
	if !ok || (len(tagname) != 2) {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field tag %v in SAM alignment line", tagname)
		}
		return nil, nil
	}
	tag = utils.Intern(tagname)
	typebyte, ok := sc.readByteUntil(':')
	if !ok {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field type %v in SAM alignment line", typebyte)
		}
		return nil, nil
	}
	switch typebyte {
	case 'A':
		value, _ := sc.readByteUntil('\t')
		return tag, value
	case 'i':
		entry, _ := sc.readUntil('\t')
		val, err := strconv.ParseInt(entry, 10, 32)
		if err != nil && sc.err == nil {
			sc.err = err
		}
		return tag, int32(val)
	case 'f':
		entry, _ := sc.readUntil('\t')
		val, err := strconv.ParseFloat(entry, 32)
		if err != nil && sc.err == nil {
			sc.err = err
		}
		return tag, float32(val)
	case 'Z':
		entry, _ := sc.readUntil('\t')
		return tag, entry
	case 'H':
		return tag, sc.parseByteArray()
	case 'B':
		return tag, sc.parseNumericArray()
	default:
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field type %c in SAM alignment line", typebyte)
		}
		return nil, nil
	}
}

func (sc *StringScanner) doString() string {
	if sc.err != nil {
		return ""
	}
	value, ok := sc.readUntil('\t')
	if !ok && sc.err == nil {
		sc.err = errors.New("missing tabulator in SAM alignment line")
		return ""
	}
	return value
}

func (sc *StringScanner) doInt32() int32 {
	value, err := strconv.ParseInt(sc.doString(), 10, 32)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return int32(value)
}

func (sc *StringScanner) doUint(bitSize int) uint64 {
	value, err := strconv.ParseUint(sc.doString(), 10, bitSize)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return value
}

// ParseAlignment parses a SAM alignment line.
func (sc *StringScanner) ParseAlignment() *Alignment {
	aln := NewAlignment()

	aln.QNAME = sc.doString()
	aln.FLAG = uint16(sc.doUint(16))
	aln.RNAME = sc.doString()
	aln.POS = sc.doInt32()
	aln.MAPQ = byte(sc.doUint(8))
	aln.CIGAR = sc.doString()
	aln.RNEXT = sc.doString()
	aln.PNEXT = sc.doInt32()
	aln.TLEN = sc.doInt32()
	aln.SEQ = sc.doString()
	aln.QUAL, _ = sc.readUntil('\t')

	for sc.Len() > 0 {
		aln.TAGS.Set(sc.ParseOptionalField())
	}

	return aln
}

// FormatTag formats a TAG:TYPE:VALUE optional field of an alignment.
func FormatTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(out, '\t')
	out = append(out, *tag...)

	switch val := value.(type) {
	case byte:
		out = append(append(out, ":A:"...), val)
	case int32:
		out = strconv.AppendInt(append(out, ":i:"...), int64(val), 10)
	case float32:
		out = strconv.AppendFloat(append(out, ":f:"...), float64(val), 'g', -1, 32)
	case string:
		out = append(append(out, ":Z:"...), val...)
	case utils.Symbol:
		out = append(append(out, ":Z:"...), *val...)
	case ByteArray:
		out = append(out, ":H:"...)
		for _, b := range val {
			if b < 16 {
				out = append(out, '0')
			}
			out = strconv.AppendUint(out, uint64(b), 16)
		}
	case NumericArray:
		out = append(append(out, ":B:"...), val.Type)
		if val.Type == 'f' {
			for _, v := range val.Floats {
				out = strconv.AppendFloat(append(out, ','), float64(v), 'g', -1, 32)
			}
		} else {
			for _, v := range val.Ints {
				out = strconv.AppendInt(append(out, ','), v, 10)
			}
		}
	default:
		return nil, fmt.Errorf("unknown SAM alignment TAG type %v", value)
	}

	return out, nil
}

// Format appends the SAM representation of the alignment to out,
// including the terminating newline.
func (aln *Alignment) Format(out []byte) ([]byte, error) {
	out = append(append(out, aln.QNAME...), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.FLAG), 10), '\t')
	out = append(append(out, aln.RNAME...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.POS), 10), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.MAPQ), 10), '\t')
	out = append(append(out, aln.CIGAR...), '\t')
	out = append(append(out, aln.RNEXT...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.PNEXT), 10), '\t')
	out = append(strconv.AppendInt(out, int64(aln.TLEN), 10), '\t')
	out = append(append(out, aln.SEQ...), '\t')
	out = append(out, aln.QUAL...)

	var err error
	for _, entry := range aln.TAGS {
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	return append(out, '\n'), nil
}

func formatString(out *bufio.Writer, tag, value string) {
	out.WriteByte('\t')
	out.WriteString(tag)
	out.WriteByte(':')
	out.WriteString(value)
}

func formatHeaderLine(out *bufio.Writer, code string, record utils.StringMap) {
	out.WriteString(code)
	for key, value := range record {
		formatString(out, key, value)
	}
	out.WriteByte('\n')
}

// Format writes the SAM representation of the header to out.
func (hdr *Header) Format(out *bufio.Writer) {
	if hdr.HD != nil {
		formatHeaderLine(out, "@HD", hdr.HD)
	}
	for _, record := range hdr.SQ {
		formatHeaderLine(out, "@SQ", record)
	}
	for _, record := range hdr.RG {
		formatHeaderLine(out, "@RG", record)
	}
	for _, record := range hdr.PG {
		formatHeaderLine(out, "@PG", record)
	}
	for _, comment := range hdr.CO {
		out.WriteString("@CO\t")
		out.WriteString(comment)
		out.WriteByte('\n')
	}
	for code, records := range hdr.UserRecords {
		for _, record := range records {
			formatHeaderLine(out, code, record)
		}
	}
}

type (
	// InputFile represents a SAM, BAM, or CRAM file for input. BAM
	// and CRAM files are piped through samtools.
	InputFile struct {
		rc io.ReadCloser
		*bufio.Reader
		*exec.Cmd
	}

	// OutputFile represents a SAM, BAM, or CRAM file for output. BAM
	// and CRAM files are piped through samtools.
	OutputFile struct {
		wc io.WriteCloser
		*bufio.Writer
		*exec.Cmd
	}
)

// Open opens a SAM, BAM, or CRAM file for input.
//
// If the filename extension is not .bam or .cram, then .sam is
// assumed. If the name is "/dev/stdin", the input is read from
// os.Stdin.
func Open(name string, headerOnly bool) (*InputFile, error) {
	switch filepath.Ext(name) {
	case ".bam", ".cram":
		if _, err := os.Stat(name); err != nil {
			return nil, err
		}
		args := []string{"view"}
		if headerOnly {
			args = append(args, "-H")
		} else {
			args = append(args, "-h")
		}
		args = append(args, "-@", strconv.FormatInt(int64(runtime.GOMAXPROCS(0)), 10), name)
		cmd := exec.Command("samtools", args...)
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &InputFile{outPipe, bufio.NewReader(outPipe), cmd}, nil
	default:
		if name == "/dev/stdin" {
			return &InputFile{os.Stdin, bufio.NewReader(os.Stdin), nil}, nil
		}
		file, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		return &InputFile{file, bufio.NewReader(file), nil}, nil
	}
}

// Create opens a SAM, BAM, or CRAM file for output.
//
// For CRAM output, a reference FASTA or FAI file must be provided.
// If the name is "/dev/stdout", the output is written to os.Stdout.
func Create(name, fai, fasta string) (*OutputFile, error) {
	switch filepath.Ext(name) {
	case ".bam":
		args := []string{"view", "-Sb", "-@", strconv.FormatInt(int64(runtime.GOMAXPROCS(0)), 10), "-o", name, "-"}
		cmd := exec.Command("samtools", args...)
		inPipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &OutputFile{inPipe, bufio.NewWriter(inPipe), cmd}, nil
	case ".cram":
		if (fai == "") == (fasta == "") {
			return nil, errors.New("when creating CRAM output, either a reference FASTA or a reference FAI file must be provided, but not both")
		}
		args := []string{"view", "-C", "-@", strconv.FormatInt(int64(runtime.GOMAXPROCS(0)), 10)}
		if fai != "" {
			args = append(args, "-t", fai)
		} else {
			args = append(args, "-T", fasta)
		}
		args = append(args, "-o", name, "-")
		cmd := exec.Command("samtools", args...)
		inPipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &OutputFile{inPipe, bufio.NewWriter(inPipe), cmd}, nil
	default:
		if name == "/dev/stdout" {
			return &OutputFile{os.Stdout, bufio.NewWriter(os.Stdout), nil}, nil
		}
		file, err := os.Create(name)
		if err != nil {
			return nil, err
		}
		return &OutputFile{file, bufio.NewWriter(file), nil}, nil
	}
}

// Close closes a SAM, BAM, or CRAM input file.
func (f *InputFile) Close() error {
	if f.rc != os.Stdin {
		if err := f.rc.Close(); err != nil {
			return err
		}
	}
	if f.Cmd != nil {
		return f.Wait()
	}
	return nil
}

// Close closes a SAM, BAM, or CRAM output file.
func (f *OutputFile) Close() error {
	if err := f.Flush(); err != nil {
		return err
	}
	if f.wc != os.Stdout {
		if err := f.wc.Close(); err != nil {
			return err
		}
	}
	if f.Cmd != nil {
		return f.Wait()
	}
	return nil
}
