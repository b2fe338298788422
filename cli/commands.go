package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/training"
	"github.com/tsawler/lesion-distill/vision/preprocessing"
)

func warmupCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Train the teacher alone",
		Long:  "Run the configured number of teacher warmup epochs, writing teacher checkpoints and metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if st.progress {
				training.PrintParameters(cmd.ErrOrStderr(), model.Teacher, st.run.Roles[model.Teacher].Network)
			}
			return st.run.Engine.Warmup(cmd.Context())
		},
	}
}

func trainCmd(st *state) *cobra.Command {
	var (
		resume  string
		teacher string
		warmup  bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the student with distillation",
		Long: "Train the student, adding the distillation term from distill_epoch on. " +
			"The teacher is either warmed up first (--warmup) or restored from a checkpoint (--teacher).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			teacherKind, err := parseKind(teacher, true)
			if err != nil {
				return err
			}
			resumeKind, err := parseKind(resume, true)
			if err != nil {
				return err
			}
			if warmup && teacherKind != "" {
				return fmt.Errorf("%w: --warmup and --teacher are exclusive", errInvalidArgs)
			}

			if warmup {
				if err := st.run.Engine.Warmup(ctx); err != nil {
					return err
				}
			}
			if err := st.load(ctx, model.Teacher, teacherKind); err != nil {
				return err
			}
			if err := st.run.Engine.Prepare(ctx); err != nil {
				return err
			}
			if err := st.load(ctx, model.Student, resumeKind); err != nil {
				return err
			}
			if st.progress {
				training.PrintParameters(cmd.ErrOrStderr(), model.Student, st.run.Roles[model.Student].Network)
			}
			return st.run.Engine.Train(ctx)
		},
	}

	cmd.Flags().StringVar(&resume, "resume", "", "Resume the student from its best or last checkpoint")
	cmd.Flags().StringVar(&teacher, "teacher", "", "Restore the teacher from its best or last checkpoint")
	cmd.Flags().BoolVar(&warmup, "warmup", false, "Warm up the teacher before training the student")
	return cmd
}

func evaluateCmd(st *state) *cobra.Command {
	var (
		roleName   string
		splitName  string
		checkpoint string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a network on one split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(roleName)
			if err != nil {
				return err
			}
			split, err := training.ParseSplit(splitName)
			if err != nil {
				return fmt.Errorf("%w: %v", errInvalidArgs, err)
			}
			kind, err := parseKind(checkpoint, true)
			if err != nil {
				return err
			}
			if err := st.load(cmd.Context(), role, kind); err != nil {
				return err
			}
			record, err := st.run.Engine.Evaluate(cmd.Context(), role, split)
			if err != nil {
				return err
			}
			return writeRecord(cmd.OutOrStdout(), record, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&roleName, "role", "student", "Network to evaluate: teacher or student")
	cmd.Flags().StringVar(&splitName, "split", "valid", "Split: train, valid or test")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "best", "Checkpoint to restore first: best, last or none")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// imagePrediction is the JSON output of predict for one file.
type imagePrediction struct {
	File       string               `json:"file"`
	Detections detection.Detections `json:"detections"`
}

type predictOutput struct {
	Images []imagePrediction           `json:"images"`
	Volume []training.VolumeDetection `json:"volume,omitempty"`
}

func predictCmd(st *state) *cobra.Command {
	var (
		roleName   string
		checkpoint string
		channels   int
		volume     bool
		minIoU     float64
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Detect lesions in PNG or JPEG slices",
		Long: "Detect lesions in each image and print the detections in original image coordinates as JSON. " +
			"With --volume the images are treated as consecutive slices of one volume and fused.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(roleName)
			if err != nil {
				return err
			}
			kind, err := parseKind(checkpoint, true)
			if err != nil {
				return err
			}
			if err := st.load(cmd.Context(), role, kind); err != nil {
				return err
			}

			net := st.run.Roles[role].Network
			sizer, ok := net.(model.InputSizer)
			if !ok {
				return fmt.Errorf("%s network does not report its input size", role)
			}
			h, w := sizer.InputSize()
			images, err := preprocessing.PreprocessFiles(args, h, w, channels, workers)
			if err != nil {
				return err
			}

			out := predictOutput{Images: make([]imagePrediction, len(images))}
			if volume {
				perSlice, fused, err := predictVolume(st, role, images, minIoU)
				if err != nil {
					return err
				}
				for i, d := range perSlice {
					out.Images[i] = imagePrediction{File: args[i], Detections: d}
				}
				out.Volume = fused
			} else {
				for i, img := range images {
					t, err := toTensor(img)
					if err != nil {
						return err
					}
					d, err := st.run.Engine.Predict(role, t, img.OrigHeight, img.OrigWidth)
					if err != nil {
						return fmt.Errorf("%s: %w", args[i], err)
					}
					out.Images[i] = imagePrediction{File: args[i], Detections: d}
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&roleName, "role", "student", "Network to run: teacher or student")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "best", "Checkpoint to restore first: best, last or none")
	cmd.Flags().IntVar(&channels, "channels", 1, "Image channels the network expects: 1 or 3")
	cmd.Flags().BoolVar(&volume, "volume", false, "Fuse the images as consecutive slices of one volume")
	cmd.Flags().Float64Var(&minIoU, "min-iou", 0.3, "Minimum IoU linking boxes on consecutive slices")
	cmd.Flags().IntVar(&workers, "workers", 4, "Parallel image decoders")
	return cmd
}

func predictVolume(st *state, role model.Role, images []*preprocessing.ProcessedImage, minIoU float64) ([]detection.Detections, []training.VolumeDetection, error) {
	origH, origW := images[0].OrigHeight, images[0].OrigWidth
	slices := make([]*tensor.Tensor, len(images))
	for i, img := range images {
		if img.OrigHeight != origH || img.OrigWidth != origW {
			return nil, nil, fmt.Errorf("%w: slice %d is %dx%d, expected %dx%d", errInvalidArgs, i, img.OrigHeight, img.OrigWidth, origH, origW)
		}
		t, err := toTensor(img)
		if err != nil {
			return nil, nil, err
		}
		slices[i] = t
	}
	return st.run.Engine.PredictVolume(role, slices, origH, origW, training.OverlapFuser{MinIoU: minIoU})
}

func toTensor(img *preprocessing.ProcessedImage) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{img.Channels, img.Height, img.Width}, img.Data)
}

func writeRecord(w io.Writer, record training.MetricRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tVALUE")
	for _, k := range model.SortedKeys(record) {
		fmt.Fprintf(tw, "%s\t%.4f\n", k, record[k])
	}
	return tw.Flush()
}
