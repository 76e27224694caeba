// Package subscription собирает единую подписку пользователя со всех узлов пакета и отдает ее по HTTP.
package subscription

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"xuiportal/common"
	"xuiportal/fleet"
)

var (
	// ErrNoData ни один узел не вернул подписку
	ErrNoData = errors.New("нет данных подписки")
	// ErrFleetUnavailable все узлы пакета недоступны или флот пуст
	ErrFleetUnavailable = errors.New("узлы недоступны")
)

// Fleet операции флота, нужные для подписки
type Fleet interface {
	Boards() []string
	GetSubscriptions(ctx context.Context, user *common.User) ([]fleet.NodeSubscription, error)
	GetUsedTraffic(ctx context.Context, user *common.User) (common.TrafficUsage, error)
}

// PackageSource источник пакетов
type PackageSource interface {
	GetPackage(id int64) (*common.Package, error)
}

// Result объединенная подписка и данные для Subscription-Userinfo
type Result struct {
	Content string
	Info    common.TrafficInfo
}

// Aggregator объединяет подписки узлов пакета
type Aggregator struct {
	fleet    Fleet
	packages PackageSource
}

// NewAggregator создает агрегатор подписок
func NewAggregator(f Fleet, packages PackageSource) *Aggregator {
	return &Aggregator{fleet: f, packages: packages}
}

// Build собирает подписку пользователя. Строки всех узлов объединяются, email убирается из названий.
func (a *Aggregator) Build(ctx context.Context, user *common.User) (*Result, error) {
	if len(a.fleet.Boards()) == 0 {
		return nil, ErrFleetUnavailable
	}

	subs, err := a.fleet.GetSubscriptions(ctx, user)
	if len(subs) == 0 {
		if err != nil {
			log.Printf("SUBSCRIPTION: Подписки %s не получены: %v", user.Email, err)
			if errors.Is(err, fleet.ErrNoPackage) {
				return nil, ErrNoData
			}
			return nil, fmt.Errorf("%w: %v", ErrFleetUnavailable, err)
		}
		return nil, ErrNoData
	}
	if err != nil {
		log.Printf("SUBSCRIPTION: Подписка %s собрана частично: %v", user.Email, err)
	}

	var lines []string
	for _, sub := range subs {
		decoded, err := decodeBase64(sub.Content)
		if err != nil {
			log.Printf("SUBSCRIPTION: Ошибка декодирования подписки %s: %v", sub.Node.Key(), err)
			continue
		}
		for _, line := range strings.Split(decoded, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			lines = append(lines, CleanRemark(line, user.Email))
		}
	}
	if len(lines) == 0 {
		return nil, ErrNoData
	}

	return &Result{
		Content: base64.StdEncoding.EncodeToString([]byte(strings.Join(lines, "\n"))),
		Info:    a.TrafficInfo(ctx, user),
	}, nil
}

// TrafficInfo считает трафик пользователя с учетом коэффициентов узлов. Ошибки узлов дают нижнюю оценку.
func (a *Aggregator) TrafficInfo(ctx context.Context, user *common.User) common.TrafficInfo {
	var info common.TrafficInfo
	if user.PackageExpireTime != nil {
		info.Expire = user.PackageExpireTime.Unix()
	}
	if user.HasPackage() {
		if pkg, err := a.packages.GetPackage(*user.PackageID); err == nil {
			info.Total = pkg.TotalTraffic
		} else {
			log.Printf("SUBSCRIPTION: Пакет %d пользователя %s не найден: %v", *user.PackageID, user.Email, err)
		}
	}

	usage, err := a.fleet.GetUsedTraffic(ctx, user)
	if err != nil {
		log.Printf("SUBSCRIPTION: Трафик %s посчитан частично: %v", user.Email, err)
	}
	info.Upload = usage.Up
	info.Download = usage.Down
	return info
}

// CleanRemark убирает "-email" и все после него из названия узла (часть после последнего #).
// Если название начинается с email, оно удаляется целиком.
func CleanRemark(line, email string) string {
	hash := strings.LastIndex(line, "#")
	if hash < 0 || email == "" {
		return line
	}
	link, remark := line[:hash], line[hash+1:]

	decoded, err := url.PathUnescape(remark)
	if err != nil {
		decoded = remark
	}
	idx := strings.Index(decoded, email)
	if idx < 0 {
		return line
	}

	var cleaned string
	switch {
	case idx == 0:
		cleaned = ""
	case decoded[idx-1] == '-':
		cleaned = strings.TrimSpace(decoded[:idx-1])
	default:
		cleaned = strings.TrimSpace(strings.TrimRight(decoded[:idx], "-"))
	}
	if cleaned == "" {
		return link
	}
	return link + "#" + strings.ReplaceAll(url.QueryEscape(cleaned), "+", "%20")
}

// FormatUserinfo форматирует заголовок Subscription-Userinfo
func FormatUserinfo(info common.TrafficInfo) string {
	return fmt.Sprintf("upload=%d; download=%d; total=%d; expire=%d", info.Upload, info.Download, info.Total, info.Expire)
}

// decodeBase64 декодирует подписку с паддингом или без
func decodeBase64(content string) (string, error) {
	content = strings.Join(strings.Fields(content), "")
	encodings := []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding}
	var lastErr error
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(content)
		if err == nil {
			return string(decoded), nil
		}
		lastErr = err
	}
	return "", lastErr
}
