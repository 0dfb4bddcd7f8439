package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"Mosaic-Protocol/sdk/go/mosaic"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "daemon base url")
	goal := flag.String("goal", "Research Jupiter DEX and analyze its liquidity", "task to submit")
	flag.Parse()

	client, err := mosaic.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("MOSAIC_API_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, mosaic.TaskSubmission{Goal: *goal})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted task %s\n", submitted.ID)

	done, err := client.WaitForTask(ctx, submitted.ID, 2*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task %s finished with status %s after %d attempt(s)\n", done.ID, done.Status, done.Attempts)
	if done.Result != nil {
		fmt.Printf("cost: %s USDC, agents: %d\n", done.Result.TotalCostFormatted, len(done.Result.AgentsUsed))
		fmt.Println(done.Result.Output)
	}
}
