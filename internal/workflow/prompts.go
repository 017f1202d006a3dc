package workflow

import (
	"fmt"
	"strings"
)

// toolCatalog renders the tool list for prompts as "name: description" lines.
type toolCatalog []ToolDescription

// ToolDescription is the prompt-visible summary of one answer tool.
type ToolDescription struct {
	Name        string
	Description string
}

func (c toolCatalog) String() string {
	var sb strings.Builder
	for _, t := range c {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	return sb.String()
}

func outlinePrompt(query string) string {
	return fmt.Sprintf(`You are an expert in formulating plans to answer queries by customers on
their bank account interest rates, customer details and pending transactions.
Write a short outline of the steps needed to answer this query: %s`, query)
}

func decomposePrompt(query, outline string, tools toolCatalog) string {
	return fmt.Sprintf(`You are a helpful assistant that breaks down complex questions into simpler sub-questions.

For the given user question, generate a list of sub-questions that would help answer the original question.
The sub-questions should be specific and answerable using the available tools.
If the question is simple, a single sub-question is enough.

Here is the user question: %s

Here is the plan outline:
%s

And here is the list of tools:
%s
Return your response as a JSON object with the following format:
`+"```json"+`
{
    "sub_questions": [
        "sub-question 1",
        "sub-question 2"
    ]
}
`+"```"+`

Only return the JSON object, nothing else.`, query, outline, tools.String())
}

func synthesisPrompt(query, outline string, answers []Answer) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are an expert in answering customer queries on account interest rates,
customer details and pending transactions. Write the final answer to the
original query from the outline and the collected questions and answers.

The original query is: '%s'.

<outline>%s</outline>
`, query, outline)
	for _, a := range answers {
		fmt.Fprintf(&sb, "<question>%s</question>\n<answer>%s</answer>\n", a.Question, a.Text)
	}
	return sb.String()
}

func reviewPrompt(query, draft string) string {
	return fmt.Sprintf(`You are an expert reviewer of answers to customer queries on account
interest rates, customer details and pending transactions. You are given an
original query, and an answer that was written to satisfy that query. Review
the answer and determine if it adequately answers the query and contains
enough detail. If it doesn't, come up with a set of questions that will get
you the facts necessary to expand the answer. Another agent will answer those
questions. Your response should just be a list of questions, one per line,
without any preamble or explanation. For speed, generate a maximum of %d questions.
The original query is: '%s'.
The answer is: <answer>%s</answer>.
If the answer is fine, return just the string 'OKAY'.`, maxFollowUpQuestions, query, draft)
}
