package comfy

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

// node is one entry of the engine workflow graph. Inputs reference other
// nodes as [id, output_slot] pairs.
type node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// BuildWorkflow assembles the engine workflow graph for a job. The build is a
// pure function of the job parameters: identical jobs yield byte-identical
// documents (json.Marshal emits map keys in sorted order).
//
// Graph shape: checkpoint loader, an optional LoRA chain, positive and
// negative text encoders, an empty latent sized to the request, the sampler,
// VAE decode, and a save node keyed by the job id.
func BuildWorkflow(j domain.Job) ([]byte, error) {
	if j.Checkpoint == "" {
		return nil, fmt.Errorf("op=workflow.build: empty checkpoint: %w", domain.ErrInvalidArgument)
	}

	graph := map[string]node{}
	ckptID := "1"
	graph[ckptID] = node{ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
		"ckpt_name": j.Checkpoint,
	}}

	// Each LoRA rewires model and clip from the previous stage.
	modelSrc, clipSrc := ckptID, ckptID
	next := 2
	for _, l := range j.LoRAs {
		id := fmt.Sprintf("%d", next)
		graph[id] = node{ClassType: "LoraLoader", Inputs: map[string]any{
			"lora_name":      l.Name,
			"strength_model": l.ModelStrength,
			"strength_clip":  l.ClipStrength,
			"model":          []any{modelSrc, 0},
			"clip":           []any{clipSrc, 1},
		}}
		modelSrc, clipSrc = id, id
		next++
	}

	posID := fmt.Sprintf("%d", next)
	negID := fmt.Sprintf("%d", next+1)
	latentID := fmt.Sprintf("%d", next+2)
	samplerID := fmt.Sprintf("%d", next+3)
	decodeID := fmt.Sprintf("%d", next+4)
	saveID := fmt.Sprintf("%d", next+5)

	graph[posID] = node{ClassType: "CLIPTextEncode", Inputs: map[string]any{
		"text": j.Prompt,
		"clip": []any{clipSrc, 1},
	}}
	graph[negID] = node{ClassType: "CLIPTextEncode", Inputs: map[string]any{
		"text": j.NegativePrompt,
		"clip": []any{clipSrc, 1},
	}}
	graph[latentID] = node{ClassType: "EmptyLatentImage", Inputs: map[string]any{
		"width":      j.Width,
		"height":     j.Height,
		"batch_size": j.BatchSize,
	}}
	graph[samplerID] = node{ClassType: "KSampler", Inputs: map[string]any{
		"seed":         j.Sampler.Seed,
		"steps":        j.Sampler.Steps,
		"cfg":          j.Sampler.CFG,
		"sampler_name": j.Sampler.Name,
		"scheduler":    j.Sampler.Scheduler,
		"denoise":      j.Sampler.Denoise,
		"model":        []any{modelSrc, 0},
		"positive":     []any{posID, 0},
		"negative":     []any{negID, 0},
		"latent_image": []any{latentID, 0},
	}}
	graph[decodeID] = node{ClassType: "VAEDecode", Inputs: map[string]any{
		"samples": []any{samplerID, 0},
		"vae":     []any{ckptID, 2},
	}}
	graph[saveID] = node{ClassType: "SaveImage", Inputs: map[string]any{
		"filename_prefix": j.ID,
		"images":          []any{decodeID, 0},
	}}

	b, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("op=workflow.build: %w", err)
	}
	return b, nil
}
