/*
Package openai implements provider.CompletionsService on top of the OpenAI
chat completions API.

# Requests

Every call sends one request. Options map onto the request parameters one
to one; unset options keep the API defaults. When streaming is requested
and a chunk sink is given, the response is consumed as server sent events:
text deltas go through a provider.ChunkBatcher to the sink, and the
streamed chunks are accumulated into the final answer, which completes the
returned future.

# Registration

Importing the package registers the "openai" service kind:

	svc, err := provider.NewService("openai", map[string]any{
		"api-key":  os.Getenv("OPENAI_API_KEY"),
		"base-url": "https://api.openai.com/v1",
	})

Services can also be built directly with request options:

	svc := openai.New(option.WithAPIKey(key))
*/
package openai
