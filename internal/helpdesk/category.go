package helpdesk

import (
	"regexp"
	"strings"
)

// DefaultCategoryColor is used when a category is created without a color.
const DefaultCategoryColor = "#3B82F6"

var colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidateCategoryName trims and checks a category name.
func ValidateCategoryName(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch n := runeLen(s); {
	case n == 0:
		return "", &ValidationError{Field: "name", Message: "Category name is required"}
	case n < 2:
		return "", &ValidationError{Field: "name", Message: "Category name must be at least 2 characters long"}
	case n > 50:
		return "", &ValidationError{Field: "name", Message: "Category name cannot exceed 50 characters"}
	}
	return s, nil
}

// ValidateCategoryDescription trims and checks a category description.
func ValidateCategoryDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if runeLen(s) > 200 {
		return "", &ValidationError{Field: "description", Message: "Description cannot exceed 200 characters"}
	}
	return s, nil
}

// ValidateColor checks a #RRGGBB hex color. Empty yields the default color.
func ValidateColor(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultCategoryColor, nil
	}
	if !colorRe.MatchString(s) {
		return "", &ValidationError{Field: "color", Message: "Please provide a valid hex color"}
	}
	return s, nil
}
