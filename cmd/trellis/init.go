package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigYAML = `# trellis pipeline configuration
target:
  root: .

state_store:
  path: trellis.db

bus:
  url: redis://localhost:6379/0
  namespace: trellis

graph:
  uri: bolt://localhost:7687
  username: neo4j
  password: ""
  database: neo4j

llm:
  # api_key defaults to $ANTHROPIC_API_KEY
  model: claude-3-5-haiku-latest
  max_input_tokens: 50000
  retry_count: 3
  correction_retries: 2

analysis:
  max_batch_tokens: 60000
  max_file_size_bytes: 1048576
  file_workers: 100
  directory_workers: 2
  relationship_workers: 5

ingestor:
  batch_size: 100
  interval: 10s

logging:
  level: info
  format: json

health:
  addr: ":8190"
  enabled: true
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a trellis.yaml with default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "trellis.yaml"
		if configPath != "" {
			path = configPath
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}
		if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
