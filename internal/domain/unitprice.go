package domain

import (
	"regexp"
	"strconv"
	"strings"
)

var unitSizeRegex = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(kg|g|ml|l|pcs|pc|pieces|piece|pack|each)\b`)

// UnitPrice приводит цену к удельной: за килограмм, за литр или за штуку.
// Вторым значением возвращает false, если размер не распознан, количество
// нулевое или единица неизвестна — это не ошибка, сравнение просто идёт по
// обычной цене. Одна и та же функция используется при загрузке листингов и
// при сравнении, расхождения логики между этими путями нет.
func UnitPrice(price float64, sizeText string) (float64, bool) {
	normalized := strings.ToLower(strings.TrimSpace(sizeText))
	matches := unitSizeRegex.FindStringSubmatch(normalized)
	if len(matches) < 3 {
		return 0, false
	}

	quantity, err := strconv.ParseFloat(matches[1], 64)
	if err != nil || quantity == 0 {
		return 0, false
	}

	switch matches[2] {
	case "g", "ml":
		return price / (quantity / 1000), true
	case "kg", "l":
		return price / quantity, true
	case "pc", "pcs", "piece", "pieces", "pack", "each":
		return price / quantity, true
	}
	return 0, false
}
