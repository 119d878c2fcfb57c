package features

// Error categories in vector order.
const (
	CategorySyntax = "syntax"
	CategoryName   = "name"
	CategoryType   = "type"
	CategoryValue  = "value"
	CategoryImport = "import"
	CategoryIO     = "io"
	CategoryOther  = "other"
)

// ErrorCategories lists the categories in the order they occupy in the vector.
var ErrorCategories = []string{
	CategorySyntax,
	CategoryName,
	CategoryType,
	CategoryValue,
	CategoryImport,
	CategoryIO,
	CategoryOther,
}

var errorKindCategory = map[string]string{
	"SyntaxError":         CategorySyntax,
	"IndentationError":    CategorySyntax,
	"TabError":            CategorySyntax,
	"NameError":           CategoryName,
	"UnboundLocalError":   CategoryName,
	"AttributeError":      CategoryName,
	"TypeError":           CategoryType,
	"ValueError":          CategoryValue,
	"KeyError":            CategoryValue,
	"IndexError":          CategoryValue,
	"ZeroDivisionError":   CategoryValue,
	"OverflowError":       CategoryValue,
	"AssertionError":      CategoryValue,
	"ImportError":         CategoryImport,
	"ModuleNotFoundError": CategoryImport,
	"FileNotFoundError":   CategoryIO,
	"FileExistsError":     CategoryIO,
	"IsADirectoryError":   CategoryIO,
	"PermissionError":     CategoryIO,
	"IOError":             CategoryIO,
	"OSError":             CategoryIO,
	"EOFError":            CategoryIO,
}

// CategorizeError maps an interpreter error kind to its category.
func CategorizeError(kind string) string {
	if category, ok := errorKindCategory[kind]; ok {
		return category
	}
	return CategoryOther
}
