// Package intervals turns a reference genome description into an ordered
// list of disjoint genomic intervals. The chunk size is the externally
// configured trade-off between parallel task count and per-task overhead;
// the number of produced intervals is only known once the reference
// dictionary has been read.
package intervals

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sequence is one contig of the reference genome.
type Sequence struct {
	Name   string
	Length int64
}

// Interval is a half-open-free, 1-based inclusive genomic region, the
// coordinate convention of interval list files consumed by variant callers.
type Interval struct {
	Contig string
	Start  int64
	End    int64
}

// String renders the interval in the samtools region syntax, e.g.
// "chr1:1-50000000".
func (i Interval) String() string {
	return fmt.Sprintf("%s:%d-%d", i.Contig, i.Start, i.End)
}

// Length returns the number of bases covered by the interval.
func (i Interval) Length() int64 {
	return i.End - i.Start + 1
}

// Partition is the ordered result of chunking a reference. It is immutable
// once produced; scatter stages size themselves from Intervals, never from a
// static index range.
type Partition struct {
	Intervals []Interval
	// ListFiles holds one interval list file per element of Intervals, in
	// the same order, for tools that take a region file rather than a
	// region argument.
	ListFiles []string
}

// Size returns the number of intervals in the partition.
func (p *Partition) Size() int {
	return len(p.Intervals)
}

// ReadDictionary parses a reference genome description into its sequences.
// Two formats are accepted: sequence dictionary lines ("@SQ\tSN:chr1\tLN:248956422",
// the .dict header emitted by dictionary tools) and FASTA index lines
// ("chr1\t248956422\t..."). Non-sequence header lines are ignored.
func ReadDictionary(path string) ([]Sequence, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference dictionary: %w", err)
	}
	defer file.Close()

	var seqs []Sequence
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		var seq Sequence
		var ok bool
		if strings.HasPrefix(line, "@") {
			if !strings.HasPrefix(line, "@SQ") {
				continue
			}
			seq, ok = parseDictLine(line)
		} else {
			seq, ok = parseFaiLine(line)
		}
		if !ok {
			return nil, fmt.Errorf("reference dictionary %s: malformed line %d: %q", path, lineNo, line)
		}
		seqs = append(seqs, seq)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reference dictionary: %w", err)
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("reference dictionary %s contains no sequences", path)
	}
	return seqs, nil
}

func parseDictLine(line string) (Sequence, bool) {
	var seq Sequence
	for _, field := range strings.Split(line, "\t")[1:] {
		switch {
		case strings.HasPrefix(field, "SN:"):
			seq.Name = field[len("SN:"):]
		case strings.HasPrefix(field, "LN:"):
			n, err := strconv.ParseInt(field[len("LN:"):], 10, 64)
			if err != nil {
				return Sequence{}, false
			}
			seq.Length = n
		}
	}
	return seq, seq.Name != "" && seq.Length > 0
}

func parseFaiLine(line string) (Sequence, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return Sequence{}, false
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n <= 0 || fields[0] == "" {
		return Sequence{}, false
	}
	return Sequence{Name: fields[0], Length: n}, true
}

// Chunk splits the sequences into ordered, disjoint intervals of at most
// chunkSize bases. Chunks never span contigs. The result is deterministic:
// the same sequences and chunk size always yield the same interval list.
func Chunk(seqs []Sequence, chunkSize int64) ([]Interval, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	var out []Interval
	for _, seq := range seqs {
		for start := int64(1); start <= seq.Length; start += chunkSize {
			end := start + chunkSize - 1
			if end > seq.Length {
				end = seq.Length
			}
			out = append(out, Interval{Contig: seq.Name, Start: start, End: end})
		}
	}
	return out, nil
}

// Make reads the reference description at dictPath, chunks it, and writes
// one interval list file per chunk under dir. It is the engine-side
// implementation of the partition stage.
func Make(dictPath string, chunkSize int64, dir string) (*Partition, error) {
	seqs, err := ReadDictionary(dictPath)
	if err != nil {
		return nil, err
	}
	ivs, err := Chunk(seqs, chunkSize)
	if err != nil {
		return nil, err
	}
	files, err := writeListFiles(dir, ivs)
	if err != nil {
		return nil, err
	}
	return &Partition{Intervals: ivs, ListFiles: files}, nil
}

// writeListFiles materializes one single-region interval list file per chunk.
func writeListFiles(dir string, ivs []Interval) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create interval dir: %w", err)
	}
	files := make([]string, len(ivs))
	for idx, iv := range ivs {
		path := filepath.Join(dir, fmt.Sprintf("%04d.intervals", idx))
		if err := os.WriteFile(path, []byte(iv.String()+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write interval list %s: %w", path, err)
		}
		files[idx] = path
	}
	return files, nil
}
