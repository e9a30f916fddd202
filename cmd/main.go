package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	contbatch "github.com/tessera-ai/contbatch"
	"github.com/tessera-ai/contbatch/internal/config"
	"github.com/tessera-ai/contbatch/internal/engine"
	"github.com/tessera-ai/contbatch/internal/sampling"
)

func main() {
	fs := flag.NewFlagSet("contbatch", flag.ExitOnError)
	maxBatch := fs.Int("max-batch", 16, "max sequences admitted into one tick")
	temperature := fs.Float64("temperature", 0.7, "sampling temperature (0 = greedy)")
	topP := fs.Float64("top-p", 0, "nucleus sampling probability mass (0 = disabled, mutually exclusive with top-k)")
	topK := fs.Uint("top-k", 50, "top-k sampling (0 = disabled)")
	repPenalty := fs.Float64("repetition-penalty", 1.1, "repetition penalty (>1 to penalize repeats)")
	stream := fs.Bool("stream", false, "stream tokens as they are generated")
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		fmt.Println("Usage: contbatch [flags] <model_path> [prompt]")
		fs.PrintDefaults()
		os.Exit(1)
	}

	modelPath := args[0]
	prompt := "Hello, how are you?"
	if len(args) > 1 {
		prompt = args[1]
	}

	llm, err := contbatch.NewLLM(modelPath, config.WithMaxBatch(*maxBatch))
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}
	defer llm.Close()

	params := sampling.RequestParams{
		Temperature:   *temperature,
		RepeatPenalty: float32(*repPenalty),
	}
	if *topP > 0 {
		v := *topP
		params.TopP = &v
	} else {
		v := uint32(*topK)
		params.TopK = &v
	}

	ctx := context.Background()
	if *stream {
		fmt.Printf("Prompt: %s\n", prompt)
		fmt.Print("Output: ")
		for resp := range llm.Stream(ctx, prompt, contbatch.GenerateOptions{Params: params}) {
			switch resp.Kind {
			case engine.KindToken:
				fmt.Print(resp.Token.Text)
			case engine.KindDone:
				fmt.Printf("\nToken IDs: %v\n", resp.Done.GeneratedIDs)
			case engine.KindError:
				log.Fatalf("generation failed: %s", resp.Error)
			}
			// The sink is never closed: the engine sends exactly one
			// terminal Done/Error and stops. Stop reading here too, or
			// this range blocks forever.
			if resp.Kind == engine.KindDone || resp.Kind == engine.KindError {
				break
			}
		}
	} else {
		out, err := llm.Generate(ctx, prompt, contbatch.GenerateOptions{Params: params})
		if err != nil {
			log.Fatalf("generation failed: %v", err)
		}
		fmt.Printf("Prompt: %s\n", prompt)
		fmt.Printf("Output: %s\n", out.Text)
		fmt.Printf("Token IDs: %v\n", out.TokenIDs)
	}
}
