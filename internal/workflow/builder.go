package workflow

// Node ids used by the text-to-image graph.
const (
	SamplerNode    = "3"
	CheckpointNode = "4"
	LatentNode     = "5"
	PositiveNode   = "6"
	NegativeNode   = "7"
	DecodeNode     = "8"
	SaveNode       = "9"
)

// Sampler settings tuned for SDXL checkpoints.
const (
	SamplerName = "dpmpp_2m"
	Scheduler   = "karras"
)

// Params are the fully resolved inputs for one generation.
type Params struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	CFG            float64
	Width          int
	Height         int
	Model          string
	FilenamePrefix string
}

// Build turns resolved parameters into an SDXL text-to-image graph. It is pure:
// identical params give identical graphs, and changing a value only changes the
// node that embeds it.
func Build(p Params) Graph {
	prefix := p.FilenamePrefix
	if prefix == "" {
		prefix = "gateway"
	}
	return Graph{nodes: map[string]Node{
		SamplerNode: {
			ClassType: "KSampler",
			Inputs: map[string]any{
				"seed":         p.Seed,
				"steps":        p.Steps,
				"cfg":          p.CFG,
				"sampler_name": SamplerName,
				"scheduler":    Scheduler,
				"denoise":      1.0,
				"model":        Link{CheckpointNode, 0},
				"positive":     Link{PositiveNode, 0},
				"negative":     Link{NegativeNode, 0},
				"latent_image": Link{LatentNode, 0},
			},
		},
		CheckpointNode: {
			ClassType: "CheckpointLoaderSimple",
			Inputs: map[string]any{
				"ckpt_name": p.Model,
			},
		},
		LatentNode: {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]any{
				"width":      p.Width,
				"height":     p.Height,
				"batch_size": 1,
			},
		},
		PositiveNode: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.Prompt,
				"clip": Link{CheckpointNode, 1},
			},
		},
		NegativeNode: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": p.NegativePrompt,
				"clip": Link{CheckpointNode, 1},
			},
		},
		DecodeNode: {
			ClassType: "VAEDecode",
			Inputs: map[string]any{
				"samples": Link{SamplerNode, 0},
				"vae":     Link{CheckpointNode, 2},
			},
		},
		SaveNode: {
			ClassType: "SaveImage",
			Inputs: map[string]any{
				"filename_prefix": prefix,
				"images":          Link{DecodeNode, 0},
			},
		},
	}}
}
