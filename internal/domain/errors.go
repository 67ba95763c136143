package domain

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable означает транспортный сбой или нечитаемый ответ одного
// источника. Такой отказ гасится локально и попадает в список отказов запроса.
var ErrSourceUnavailable = errors.New("источник недоступен")

// ErrNotFound — явное отсутствие товара. Это не ошибка транспорта.
var ErrNotFound = errors.New("товар не найден")

// ErrUnknownSource возвращается при запросе с неизвестным идентификатором источника.
var ErrUnknownSource = errors.New("неизвестный источник")

// ErrEmptyQuery возвращается при пустом поисковом запросе.
var ErrEmptyQuery = errors.New("пустой поисковый запрос")

// ErrItemNotFound — позиция вотчлиста не найдена.
var ErrItemNotFound = errors.New("позиция вотчлиста не найдена")

// ErrAlertNotFound — оповещение не найдено.
var ErrAlertNotFound = errors.New("оповещение не найдено")

// SourceUnavailable оборачивает причину отказа источника так, чтобы вызывающий
// код распознавал её через errors.Is(err, ErrSourceUnavailable).
func SourceUnavailable(sourceID string, cause error) error {
	return fmt.Errorf("%w (%s): %v", ErrSourceUnavailable, sourceID, cause)
}
