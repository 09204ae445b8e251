package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"
)

const defaultBaseURL = "http://127.0.0.1:8000/v1/"

func newAskCmd() *cobra.Command {
	var (
		baseURL string
		model   string
		newChat bool
	)

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one prompt to a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt is empty")
			}

			client := openai.NewClient(
				option.WithBaseURL(baseURL),
				option.WithAPIKey("pantheon"),
				option.WithMaxRetries(0),
			)

			opts := []option.RequestOption{}
			if newChat {
				opts = append(opts, option.WithJSONSet("new_chat", true))
			}
			completion, err := client.Chat.Completions.New(cmd.Context(), openai.ChatCompletionNewParams{
				Model:    model,
				Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
			}, opts...)
			if err != nil {
				var apiErr *openai.Error
				if errors.As(err, &apiErr) {
					return fmt.Errorf("server returned %d: %s", apiErr.StatusCode, apiErr.Message)
				}
				return err
			}
			if len(completion.Choices) == 0 {
				return errors.New("server returned no choices")
			}

			choice := completion.Choices[0]
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, choice.Message.Content)
			if choice.FinishReason == "length" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: reply did not settle before the deadline and may be incomplete")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", defaultBaseURL, "server base URL")
	cmd.Flags().StringVarP(&model, "model", "m", "deepseek", "model or category name")
	cmd.Flags().BoolVar(&newChat, "new-chat", false, "start a fresh conversation first")
	return cmd
}
