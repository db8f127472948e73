package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"pennywise/internal/core"
)

// catalog indexes the owner's categories and subcategories for prompt
// construction and response validation.
type catalog struct {
	categories    []core.Category
	subcategories []core.Subcategory
	categoryIDs   map[string]bool
	subToCategory map[string]string
}

func newCatalog(categories []core.Category, subcategories []core.Subcategory) *catalog {
	c := &catalog{
		categoryIDs:   make(map[string]bool, len(categories)),
		subToCategory: make(map[string]string, len(subcategories)),
	}
	for _, cat := range categories {
		// The fallback bucket is never offered to the model.
		if cat.Name == core.UncategorizedName {
			continue
		}
		c.categories = append(c.categories, cat)
		c.categoryIDs[cat.ID] = true
	}
	for _, sub := range subcategories {
		if !c.categoryIDs[sub.CategoryID] {
			continue
		}
		c.subcategories = append(c.subcategories, sub)
		c.subToCategory[sub.ID] = sub.CategoryID
	}
	return c
}

func (c *catalog) empty() bool { return len(c.categories) == 0 }

// hasAssignment reports whether the category id, and the subcategory id if
// present, both exist in the catalog and belong together.
func (c *catalog) hasAssignment(categoryID string, subcategoryID *string) bool {
	if !c.categoryIDs[categoryID] {
		return false
	}
	if subcategoryID != nil {
		return c.subToCategory[*subcategoryID] == categoryID
	}
	return true
}

// buildPrompt assembles the single batched categorization prompt: the
// category tree, then one line per transaction.
func buildPrompt(cat *catalog, transactions []core.Transaction) string {
	var sb strings.Builder

	sb.WriteString("You are a financial transaction categorization assistant. ")
	sb.WriteString("Your task is to categorize transactions into the appropriate category and subcategory.\n\n")

	sb.WriteString("Available categories and subcategories:\n\n")
	subsByCategory := make(map[string][]core.Subcategory)
	for _, sub := range cat.subcategories {
		subsByCategory[sub.CategoryID] = append(subsByCategory[sub.CategoryID], sub)
	}
	for _, c := range cat.categories {
		fmt.Fprintf(&sb, "- %s (ID: %s)\n", c.Name, c.ID)
		for _, sub := range subsByCategory[c.ID] {
			fmt.Fprintf(&sb, "  - %s (ID: %s)\n", sub.Name, sub.ID)
		}
	}

	sb.WriteString("\nTransactions to categorize:\n\n")
	for _, t := range transactions {
		payee := t.Payee
		if payee == "" {
			payee = "N/A"
		}
		fmt.Fprintf(&sb, "ID: %s | Amount: %s | Description: %s | Payee: %s\n",
			t.ID, t.Amount.String(), t.Description, payee)
	}

	sb.WriteString(`
For each transaction, determine the most appropriate category and subcategory based on the description, payee, and amount.

Respond with a JSON array of objects, where each object has:
- transaction_id: The transaction ID
- category_id: The category ID (or null if uncertain)
- subcategory_id: The subcategory ID (or null if uncertain/not applicable)
- confidence: A number between 0 and 1 indicating confidence
- reasoning: Brief explanation of why this categorization was chosen

Only respond with the JSON array, no other text.`)

	return sb.String()
}

// aiAssignment is one entry of the model's JSON response.
type aiAssignment struct {
	TransactionID string  `json:"transaction_id"`
	CategoryID    *string `json:"category_id"`
	SubcategoryID *string `json:"subcategory_id"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// parseClassifierResponse decodes the model output. Models often wrap JSON
// in a markdown fence despite instructions, so fences are stripped first.
// A response that is not a JSON array at all is an error; individual bad
// entries are the caller's problem to filter.
func parseClassifierResponse(raw string) ([]aiAssignment, error) {
	text := stripCodeFence(raw)

	var assignments []aiAssignment
	if err := json.Unmarshal([]byte(text), &assignments); err != nil {
		return nil, fmt.Errorf("%w: classifier returned malformed JSON: %v", core.ErrUpstream, err)
	}
	return assignments, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
