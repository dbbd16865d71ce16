// Package receipt extracts structured transfer data from the text of
// bank receipt PDFs. Two layout variants exist in the wild: a columnar
// one where the extractor emits all labels first and all values after,
// and a sequential one where each line carries a label and its value.
package receipt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avdm/gop2pd/internal/domain"
)

// ParseError reports which required fields could not be extracted.
type ParseError struct {
	Missing []string
}

func (e *ParseError) Error() string {
	return "receipt: missing fields: " + strings.Join(e.Missing, ", ")
}

// field identifiers used in diagnostics, in canonical order.
const (
	fieldDatetime       = "datetime"
	fieldTotal          = "total"
	fieldAmount         = "amount"
	fieldCommission     = "commission"
	fieldStatus         = "status"
	fieldTransferType   = "transferType"
	fieldSenderName     = "senderName"
	fieldSenderAccount  = "senderAccount"
	fieldRecipientName  = "recipientName"
	fieldRecipientPhone = "recipientPhone"
	fieldRecipientBank  = "recipientBank"
	fieldRecipientCard  = "recipientCard"
	fieldOperationID    = "operationId"
	fieldSBPCode        = "sbpCode"
	fieldReceiptNumber  = "receiptNumber"
)

var requiredFields = []string{
	fieldDatetime, fieldTotal, fieldAmount, fieldCommission, fieldStatus,
	fieldTransferType, fieldSenderName, fieldSenderAccount,
	fieldRecipientName, fieldRecipientPhone, fieldRecipientBank,
	fieldRecipientCard, fieldOperationID, fieldSBPCode, fieldReceiptNumber,
}

// labelTable maps normalized label text to the field it carries. Banks
// vary the wording between template revisions, hence the aliases.
var labelTable = map[string]string{
	"итого":                     fieldTotal,
	"сумма":                     fieldAmount,
	"сумма перевода":            fieldAmount,
	"сумма операции":            fieldAmount,
	"комиссия":                  fieldCommission,
	"статус":                    fieldStatus,
	"операция":                  fieldTransferType,
	"тип перевода":              fieldTransferType,
	"фио отправителя":           fieldSenderName,
	"отправитель":               fieldSenderName,
	"счет отправителя":          fieldSenderAccount,
	"счет списания":             fieldSenderAccount,
	"фио получателя":            fieldRecipientName,
	"получатель":                fieldRecipientName,
	"номер телефона получателя": fieldRecipientPhone,
	"телефон получателя":        fieldRecipientPhone,
	"банк получателя":           fieldRecipientBank,
	"карта получателя":          fieldRecipientCard,
	"номер карты получателя":    fieldRecipientCard,
	"идентификатор операции":    fieldOperationID,
	"номер операции":            fieldOperationID,
	"код операции в сбп":        fieldSBPCode,
	"код операции сбп":          fieldSBPCode,
	"номер чека":                fieldReceiptNumber,
	"номер документа":           fieldReceiptNumber,
}

// sortedLabels holds the label keys longest-first so "сумма перевода"
// wins over the bare "сумма" prefix.
var sortedLabels = func() []string {
	keys := make([]string, 0, len(labelTable))
	for k := range labelTable {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return keys
}()

var mskZone = time.FixedZone("MSK", 3*60*60)

var russianMonths = map[string]time.Month{
	"января": time.January, "февраля": time.February, "марта": time.March,
	"апреля": time.April, "мая": time.May, "июня": time.June,
	"июля": time.July, "августа": time.August, "сентября": time.September,
	"октября": time.October, "ноября": time.November, "декабря": time.December,
}

var (
	numericDatetimeRe = regexp.MustCompile(`(\d{2})\.(\d{2})\.(\d{4})\s+(\d{2}):(\d{2})(?::(\d{2}))?`)
	wordyDatetimeRe   = regexp.MustCompile(`(\d{1,2})\s+([а-яё]+)\s+(\d{4})\s+(\d{2}):(\d{2})(?::(\d{2}))?`)
)

// Parse extracts the receipt fields from raw PDF text. It returns a
// *ParseError naming every missing required field when the text does
// not yield a complete record.
func Parse(text string) (*domain.ParsedReceipt, error) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, &ParseError{Missing: requiredFields}
	}

	parsed := &domain.ParsedReceipt{}
	seen := map[string]bool{}

	if dt, ok := findDatetime(lines); ok {
		parsed.Datetime = dt
		seen[fieldDatetime] = true
	}

	pairs := extractPairs(lines)
	for _, pr := range pairs {
		if seen[pr.field] {
			continue
		}
		if assignField(parsed, pr.field, pr.value) {
			seen[pr.field] = true
		}
	}

	var missing []string
	for _, f := range requiredFields {
		if !seen[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &ParseError{Missing: missing}
	}
	return parsed, nil
}

// Canonical renders a parsed receipt as a deterministic byte string.
// Two runs over the same input always produce identical bytes.
func Canonical(p *domain.ParsedReceipt) []byte {
	raw, _ := json.Marshal(p)
	return raw
}

type labelValue struct {
	field string
	value string
}

// extractPairs detects the layout variant and yields (field, value)
// pairs. Columnar layout means the label block is contiguous: three or
// more bare-label lines in a row, with the values following in the
// same order.
func extractPairs(lines []string) []labelValue {
	if fields, rest, ok := columnarBlock(lines); ok {
		pairs := make([]labelValue, 0, len(fields))
		for i, f := range fields {
			if i >= len(rest) {
				break
			}
			pairs = append(pairs, labelValue{field: f, value: rest[i]})
		}
		return pairs
	}
	return sequentialPairs(lines)
}

// columnarBlock finds the first run of 3+ consecutive bare-label lines
// and returns the fields plus the value lines that follow the run.
func columnarBlock(lines []string) (fields []string, values []string, ok bool) {
	start := -1
	for i, line := range lines {
		if f, rest, matched := matchLabel(line); matched && rest == "" {
			if start < 0 {
				start = i
			}
			fields = append(fields, f)
			continue
		}
		if start >= 0 {
			if len(fields) >= 3 {
				return fields, lines[i:], true
			}
			start, fields = -1, nil
		}
	}
	return nil, nil, false
}

func sequentialPairs(lines []string) []labelValue {
	var pairs []labelValue
	for i := 0; i < len(lines); i++ {
		f, rest, matched := matchLabel(lines[i])
		if !matched {
			continue
		}
		if rest == "" {
			if i+1 >= len(lines) {
				break
			}
			i++
			rest = lines[i]
		}
		pairs = append(pairs, labelValue{field: f, value: rest})
	}
	return pairs
}

// matchLabel tests whether a line starts with a known label and
// returns the field plus the remainder of the line (the inline value,
// empty for bare-label lines).
func matchLabel(line string) (field, rest string, ok bool) {
	norm := normalizeLine(line)
	for _, label := range sortedLabels {
		if norm == label {
			return labelTable[label], "", true
		}
		for _, sep := range []string{": ", ":", " "} {
			if strings.HasPrefix(norm, label+sep) {
				value := strings.TrimSpace(norm[len(label)+len(sep):])
				return labelTable[label], restoreValue(line, value), true
			}
		}
	}
	return "", "", false
}

// restoreValue re-extracts the value from the original line so casing
// survives normalization: the normalized value tells us its length
// from the right edge.
func restoreValue(original, normalizedValue string) string {
	clean := collapseSpaces(original)
	runes := []rune(clean)
	want := len([]rune(normalizedValue))
	if want == 0 || want > len(runes) {
		return normalizedValue
	}
	return strings.TrimSpace(string(runes[len(runes)-want:]))
}

func assignField(p *domain.ParsedReceipt, field, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	switch field {
	case fieldTotal:
		v, err := parseMoney(value)
		if err != nil {
			return false
		}
		p.Total = v
	case fieldAmount:
		v, err := parseMoney(value)
		if err != nil {
			return false
		}
		p.Amount = v
	case fieldCommission:
		if strings.Contains(strings.ToLower(value), "без комиссии") {
			p.Commission = 0
			return true
		}
		v, err := parseMoney(value)
		if err != nil {
			return false
		}
		p.Commission = v
	case fieldStatus:
		p.Status = value
	case fieldTransferType:
		p.TransferType = value
	case fieldSenderName:
		p.SenderName = value
	case fieldSenderAccount:
		p.SenderAccount = value
	case fieldRecipientName:
		p.RecipientName = value
	case fieldRecipientPhone:
		phone := domain.NormalizePhone(value)
		if !strings.HasPrefix(phone, "+7") {
			return false
		}
		p.RecipientPhone = phone
	case fieldRecipientBank:
		p.RecipientBank = value
	case fieldRecipientCard:
		p.RecipientCard = value
	case fieldOperationID:
		p.OperationID = value
	case fieldSBPCode:
		p.SBPCode = value
	case fieldReceiptNumber:
		p.ReceiptNumber = value
	default:
		return false
	}
	return true
}

// parseMoney converts "15 000,00 ₽" style values to integer minor
// units.
func parseMoney(s string) (int64, error) {
	s = strings.ToLower(s)
	for _, cut := range []string{"₽", "руб.", "руб", "р."} {
		s = strings.ReplaceAll(s, cut, "")
	}
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == ' ' || r == ' ' {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q", s)
	}
	return n*100 + f, nil
}

// findDatetime scans for the operation timestamp. It appears either in
// numeric form (14.08.2025 12:41:33) or written out (14 августа 2025
// 12:41:33), usually right under the header.
func findDatetime(lines []string) (time.Time, bool) {
	for _, line := range lines {
		if m := numericDatetimeRe.FindStringSubmatch(line); m != nil {
			day, _ := strconv.Atoi(m[1])
			month, _ := strconv.Atoi(m[2])
			year, _ := strconv.Atoi(m[3])
			return buildTime(year, time.Month(month), day, m[4], m[5], m[6]), true
		}
		if m := wordyDatetimeRe.FindStringSubmatch(strings.ToLower(line)); m != nil {
			month, ok := russianMonths[m[2]]
			if !ok {
				continue
			}
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			return buildTime(year, month, day, m[4], m[5], m[6]), true
		}
	}
	return time.Time{}, false
}

func buildTime(year int, month time.Month, day int, hh, mm, ss string) time.Time {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	return time.Date(year, month, day, h, m, s, 0, mskZone)
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = collapseSpaces(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// normalizeLine lowercases, folds ё to е, and strips the trailing
// colon so label lookup is insensitive to template punctuation.
func normalizeLine(line string) string {
	s := strings.ToLower(collapseSpaces(line))
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.TrimSuffix(s, ":")
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\t", " ").Replace(s)), " ")
}
