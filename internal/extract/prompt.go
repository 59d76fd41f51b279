package extract

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You convert one spoken invoice line from a shopkeeper into JSON.
The speech is usually Hinglish: Hindi number words (ek, do, teen, char, paanch, das, bees, pachas, sau)
mixed with English or Hindi item names.

Return only a JSON object, with no prose and no code fences, with exactly these fields:
  "item":       string, the product name in Title Case (required, never empty)
  "quantity":   number, how many units (default 1 when missing or ambiguous)
  "price":      number, price per unit in rupees (0 when no price was spoken)
  "unit":       string, one of "", "kg", "g", "litre", "ml", "packet", "dozen", "piece"
  "confidence": number between 0 and 1, your certainty that every field is right

Rules:
- If no price was spoken, set price to 0 and lower confidence below 0.7.
- If the quantity is missing or ambiguous, set quantity to 1 and lower confidence below 0.7.
- Never invent an item. If you cannot find one, return {"item":"","quantity":1,"price":0,"unit":"","confidence":0}.`

type example struct {
	text  string
	reply reply
}

var examples = []example{
	{"do bread pachas rupay", reply{Item: "Bread", Quantity: num("2"), Price: num("50"), Confidence: ptr(0.95)}},
	{"teen kilo aloo sau rupay", reply{Item: "Aloo", Quantity: num("3"), Price: num("100"), Unit: "kg", Confidence: ptr(0.9)}},
	{"ek packet maggi", reply{Item: "Maggi", Quantity: num("1"), Price: num("0"), Unit: "packet", Confidence: ptr(0.6)}},
	{"doodh pachpan rupay litre", reply{Item: "Doodh", Quantity: num("1"), Price: num("55"), Unit: "litre", Confidence: ptr(0.6)}},
	{"aadha kilo cheeni chalis rupay", reply{Item: "Cheeni", Quantity: num("0.5"), Price: num("40"), Unit: "kg", Confidence: ptr(0.85)}},
}

// buildMessages lays out the instruction, the worked examples, and the utterance.
func buildMessages(text string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, 2+2*len(examples))
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, ex := range examples {
		answer, _ := json.Marshal(ex.reply)
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.text},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: string(answer)},
		)
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
}

func num(s string) json.RawMessage {
	return json.RawMessage(s)
}

func ptr(f float64) *float64 {
	return &f
}
