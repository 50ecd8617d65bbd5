// Package pipeline declares the shipped two-branch WGS short-variant
// pipeline: a classic alignment branch and a hardware-accelerated branch that
// share one read-prep stage and feed structurally identical recalibration and
// calling chains.
package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/seqwell/pipegrid/internal/ctxlog"
	"github.com/seqwell/pipegrid/internal/engine"
	"github.com/seqwell/pipegrid/internal/runconfig"
)

// Branch names of the shipped pipeline.
const (
	BranchClassic = "classic"
	BranchAccel   = "accel"
)

// RequiredParams lists the run parameters every stage of the shipped
// pipeline references. Validation happens at build time, before any dispatch.
var RequiredParams = []string{
	"reads_r1",
	"reads_r2",
	"reference",
	"reference_dict",
	"known_sites",
	"chunk_size",
}

// Options selects which parts of the pipeline to build.
type Options struct {
	// Branch restricts the build to one branch. Empty builds both. The
	// shared prep stage is always included because the accelerated branch
	// consumes its output across branches.
	Branch string
}

// Build assembles the pipeline graph from the run configuration.
func Build(ctx context.Context, cfg *runconfig.Config, opts Options) (*engine.Graph, error) {
	logger := ctxlog.FromContext(ctx)

	if opts.Branch != "" && opts.Branch != BranchClassic && opts.Branch != BranchAccel {
		return nil, fmt.Errorf("unknown branch %q", opts.Branch)
	}
	if err := cfg.Validate(RequiredParams); err != nil {
		return nil, err
	}

	r1, err := cfg.String("reads_r1")
	if err != nil {
		return nil, err
	}
	r2, err := cfg.String("reads_r2")
	if err != nil {
		return nil, err
	}
	dict, err := cfg.String("reference_dict")
	if err != nil {
		return nil, err
	}
	chunkSize, err := cfg.Int("chunk_size")
	if err != nil {
		return nil, err
	}
	// A scalar known_sites value is accepted as a single-element set.
	sites, err := cfg.StringList("known_sites")
	if err != nil {
		return nil, err
	}
	params, err := paramValues(cfg, "reference")
	if err != nil {
		return nil, err
	}

	b := engine.NewBuilder()

	// Shared upstream. The stage lives in the classic branch; the
	// accelerated branch reaches it through an ordinary cross-branch edge.
	if err := b.AddStage(&engine.Stage{
		Name:    "prep",
		Branch:  BranchClassic,
		Command: "fastp --in1 ${in.r1} --in2 ${in.r2} --out1 ${out.r1} --out2 ${out.r2} --json ${out.report}",
		Inputs: map[string]engine.Ref{
			"r1": engine.FileRef(r1),
			"r2": engine.FileRef(r2),
		},
		Outputs: map[string]string{
			"r1":     "trimmed_R1.fastq.gz",
			"r2":     "trimmed_R2.fastq.gz",
			"report": "fastp.json",
		},
	}); err != nil {
		return nil, err
	}

	if opts.Branch == "" || opts.Branch == BranchClassic {
		if err := addClassicAlignment(b, params); err != nil {
			return nil, err
		}
		if err := addCommonChain(b, BranchClassic, "markdup", dict, chunkSize, params, sites); err != nil {
			return nil, err
		}
	}
	if opts.Branch == "" || opts.Branch == BranchAccel {
		if err := addAccelAlignment(b, params); err != nil {
			return nil, err
		}
		if err := addCommonChain(b, BranchAccel, "align", dict, chunkSize, params, sites); err != nil {
			return nil, err
		}
	}

	graph, err := b.Build(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Pipeline graph built.", "nodes", len(graph.Nodes), "branch", branchLabel(opts.Branch))
	return graph, nil
}

func branchLabel(branch string) string {
	if branch == "" {
		return "all"
	}
	return branch
}

func paramValues(cfg *runconfig.Config, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		val, err := cfg.String(name)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

// addClassicAlignment declares the bwa-style branch: align, coordinate sort,
// duplicate marking.
func addClassicAlignment(b *engine.Builder, params map[string]string) error {
	stages := []*engine.Stage{
		{
			Name:    "align",
			Branch:  BranchClassic,
			Label:   "align",
			Command: "bwa mem -t 16 ${param.reference} ${in.r1} ${in.r2} | samtools view -b -o ${out.bam} -",
			Inputs: map[string]engine.Ref{
				"r1": engine.StageRef(BranchClassic, "prep", "r1"),
				"r2": engine.StageRef(BranchClassic, "prep", "r2"),
			},
			Outputs: map[string]string{"bam": "aligned.bam"},
			Params:  pick(params, "reference"),
		},
		{
			Name:    "sort",
			Branch:  BranchClassic,
			Command: "samtools sort -@ 8 -o ${out.bam} ${in.bam}",
			Inputs: map[string]engine.Ref{
				"bam": engine.StageRef(BranchClassic, "align", "bam"),
			},
			Outputs: map[string]string{"bam": "sorted.bam"},
		},
		{
			Name:    "markdup",
			Branch:  BranchClassic,
			Command: "gatk MarkDuplicates -I ${in.bam} -O ${out.bam} -M ${out.metrics}",
			Inputs: map[string]engine.Ref{
				"bam": engine.StageRef(BranchClassic, "sort", "bam"),
			},
			Outputs: map[string]string{
				"bam":     "markdup.bam",
				"metrics": "markdup_metrics.txt",
			},
		},
	}
	for _, s := range stages {
		if err := b.AddStage(s); err != nil {
			return err
		}
	}
	return nil
}

// addAccelAlignment declares the accelerated branch: a single fq2bam stage
// that emits a sorted, duplicate-marked BAM directly. Its read inputs are
// wired across branches to the shared prep stage.
func addAccelAlignment(b *engine.Builder, params map[string]string) error {
	if err := b.AddStage(&engine.Stage{
		Name:    "align",
		Branch:  BranchAccel,
		Label:   "gpu",
		Command: "pbrun fq2bam --ref ${param.reference} --in-fq ${in.r1} ${in.r2} --out-bam ${out.bam}",
		Outputs: map[string]string{"bam": "markdup.bam"},
		Params:  pick(params, "reference"),
	}); err != nil {
		return err
	}
	b.Wire(
		engine.Port{Branch: BranchClassic, Stage: "prep", Binding: "r1"},
		engine.Port{Branch: BranchAccel, Stage: "align", Binding: "r1"},
	)
	b.Wire(
		engine.Port{Branch: BranchClassic, Stage: "prep", Binding: "r2"},
		engine.Port{Branch: BranchAccel, Stage: "align", Binding: "r2"},
	)
	return nil
}

// addCommonChain declares the per-branch recalibration and calling chain:
// partition, scattered BQSR, report gathering, scattered calling, VCF merge,
// filtering. bamStage names the branch's analysis-ready BAM producer; sites
// is the known-variant resource set fed to recalibration.
func addCommonChain(b *engine.Builder, branch, bamStage string, dict string, chunkSize int64, params map[string]string, sites []string) error {
	stages := []*engine.Stage{
		{
			Name:      "partition",
			Branch:    branch,
			Kind:      engine.KindPartition,
			ChunkSize: chunkSize,
			Inputs: map[string]engine.Ref{
				engine.PartitionInput: engine.FileRef(dict),
			},
			Params: map[string]string{"chunk_size": strconv.FormatInt(chunkSize, 10)},
		},
		{
			Name:           "bqsr",
			Branch:         branch,
			Scatter:        true,
			ScatterBinding: "intervals",
			Merge:          engine.MergeCombine,
			Command:        "gatk BaseRecalibrator -I ${in.bam} -R ${param.reference} ${in.known_sites} -L ${interval_file} -O ${out.table}",
			Inputs: map[string]engine.Ref{
				"bam":         engine.StageRef(branch, bamStage, "bam"),
				"intervals":   engine.StageRef(branch, "partition", engine.PartitionOutput),
				"known_sites": engine.FileRef(sites...),
			},
			InputJoin: map[string]string{"known_sites": "--known-sites"},
			Outputs:   map[string]string{"table": "recal.table"},
			Params:    pick(params, "reference"),
		},
		{
			Name:    "gather_bqsr",
			Branch:  branch,
			Command: "gatk GatherBQSRReports ${in.tables} -O ${out.table}",
			Inputs: map[string]engine.Ref{
				"tables": engine.StageRef(branch, "bqsr", "table"),
			},
			InputJoin: map[string]string{"tables": "-I"},
			Outputs:   map[string]string{"table": "recal.gathered.table"},
		},
		{
			Name:           "call",
			Branch:         branch,
			Scatter:        true,
			ScatterBinding: "intervals",
			Merge:          engine.MergeConcatenate,
			Command:        "gatk HaplotypeCaller -I ${in.bam} -R ${param.reference} --bqsr-recal-file ${in.table} -L ${interval_file} -O ${out.vcf}",
			Inputs: map[string]engine.Ref{
				"bam":       engine.StageRef(branch, bamStage, "bam"),
				"table":     engine.StageRef(branch, "gather_bqsr", "table"),
				"intervals": engine.StageRef(branch, "partition", engine.PartitionOutput),
			},
			Outputs: map[string]string{"vcf": "calls.vcf.gz"},
			Params:  pick(params, "reference"),
		},
		{
			Name:    "merge_calls",
			Branch:  branch,
			Command: "gatk MergeVcfs ${in.vcfs} -O ${out.vcf}",
			Inputs: map[string]engine.Ref{
				"vcfs": engine.StageRef(branch, "call", "vcf"),
			},
			InputJoin: map[string]string{"vcfs": "-I"},
			Outputs:   map[string]string{"vcf": "merged.vcf.gz"},
		},
		{
			Name:    "filter",
			Branch:  branch,
			Command: "gatk VariantFiltration -V ${in.vcf} -R ${param.reference} --filter-expression 'QD < 2.0' --filter-name QD2 -O ${out.vcf}",
			Inputs: map[string]engine.Ref{
				"vcf": engine.StageRef(branch, "merge_calls", "vcf"),
			},
			Outputs: map[string]string{"vcf": "filtered.vcf.gz"},
			Params:  pick(params, "reference"),
		},
	}
	for _, s := range stages {
		if err := b.AddStage(s); err != nil {
			return err
		}
	}
	return nil
}

func pick(params map[string]string, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = params[name]
	}
	return out
}
