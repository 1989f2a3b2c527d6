package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/xxxsen/promptembed/internal/embedder"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/service"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("\t")
	return table
}

func newParseCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "parse PROMPT",
		Short: "show the weighted sections of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			prompts, err := buildService(cfg, nil)
			if err != nil {
				return err
			}
			encoders, err := prompts.Parse(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeSections(cmd.OutOrStdout(), encoders)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	return cmd
}

func writeSections(w io.Writer, encoders []service.EncoderPrompt) {
	table := newTable(w, []string{"ENCODER", "CHUNK", "WEIGHT", "TEXT"})
	var rows [][]string
	for _, enc := range encoders {
		chunk := 0
		for _, sec := range enc.Sections {
			if sec.IsBreak() {
				chunk++
				rows = append(rows, []string{strconv.Itoa(enc.Index), strconv.Itoa(chunk), "BREAK", ""})
				continue
			}
			rows = append(rows, []string{
				strconv.Itoa(enc.Index),
				strconv.Itoa(chunk),
				strconv.FormatFloat(sec.Weight, 'f', 3, 64),
				strconv.Quote(sec.Text),
			})
		}
	}
	table.AppendBulk(rows)
	table.Render()
}

func newScheduleCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "schedule PROMPT",
		Short: "show the per-step text of a scheduled prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 || steps > service.MaxSteps {
				return fmt.Errorf("--steps must be in [1, %d]", service.MaxSteps)
			}
			writeSchedule(cmd.OutOrStdout(), prompt.CompileSchedule(args[0], steps), steps)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 20, "number of sampling steps")
	return cmd
}

func writeSchedule(w io.Writer, sched prompt.Schedule, steps int) {
	if !sched.PerStep {
		fmt.Fprintf(w, "constant: %s\n", sched.At(0))
		return
	}
	table := newTable(w, []string{"STEPS", "TEXT"})
	var rows [][]string
	from := 0
	for i := 1; i <= steps; i++ {
		if i < steps && sched.At(i) == sched.At(from) {
			continue
		}
		span := strconv.Itoa(from)
		if i-1 > from {
			span += "-" + strconv.Itoa(i-1)
		}
		rows = append(rows, []string{span, sched.At(from)})
		from = i
	}
	table.AppendBulk(rows)
	table.Render()
}

func newEmbedCmd() *cobra.Command {
	var (
		configPath string
		negative   string
		steps      int
		batch      int
		clipSkip   int
		step       int
		repeat     int
	)
	cmd := &cobra.Command{
		Use:   "embed PROMPT",
		Short: "embed a prompt and show the produced channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			prompts, err := buildService(cfg, nil)
			if err != nil {
				return err
			}
			if batch < 1 {
				batch = 1
			}
			req := service.EmbedRequest{
				Request: embedder.Request{
					Prompts:         repeatText(args[0], batch),
					NegativePrompts: repeatText(negative, batch),
					Steps:           steps,
					ClipSkip:        clipSkip,
				},
				Step: step,
			}
			ctx := cmd.Context()
			for i := 0; i < max(repeat, 1); i++ {
				res, err := prompts.Embed(ctx, req)
				if err != nil {
					return err
				}
				writeEmbed(cmd.OutOrStdout(), res)
			}
			stats := prompts.CacheStats()
			fmt.Fprintf(cmd.OutOrStdout(), "cache: entries=%d hits=%d misses=%d evictions=%d\n",
				stats.Entries, stats.Hits, stats.Misses, stats.Evictions)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	cmd.Flags().StringVar(&negative, "negative", "", "negative prompt")
	cmd.Flags().IntVar(&steps, "steps", 20, "number of sampling steps")
	cmd.Flags().IntVar(&batch, "batch", 1, "batch size")
	cmd.Flags().IntVar(&clipSkip, "clip-skip", 1, "clip skip")
	cmd.Flags().IntVar(&step, "step", 0, "step to resolve")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "run the request this many times")
	return cmd
}

func repeatText(text string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = text
	}
	return out
}

func writeEmbed(w io.Writer, res *service.EmbedResult) {
	flags := []string{}
	if res.Collapsed {
		flags = append(flags, "collapsed")
	}
	if res.Scheduled {
		flags = append(flags, "scheduled")
	}
	if res.CacheHit {
		flags = append(flags, "cache-hit")
	}
	if res.Cancelled {
		flags = append(flags, "cancelled")
	}
	fmt.Fprintf(w, "model=%s batch=%d steps=%d encodes=%d reused=%d %s\n",
		res.Model, res.Batch, res.Steps, res.Stats.Encodes, res.Stats.Reused, strings.Join(flags, ","))
	table := newTable(w, []string{"CHANNEL", "FILLED", "SHAPE"})
	var rows [][]string
	for _, ch := range res.Channels {
		shape := "-"
		if ch.Available {
			shape = fmt.Sprint(ch.Shape)
		}
		rows = append(rows, []string{ch.Channel, strconv.Itoa(ch.Filled), shape})
	}
	table.AppendBulk(rows)
	table.Render()
}
