package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoProxies в подписке нет поддерживаемых ссылок
var ErrNoProxies = errors.New("не найдено поддерживаемых прокси")

type proxy struct {
	Name              string       `yaml:"name"`
	Type              string       `yaml:"type"`
	Server            string       `yaml:"server"`
	Port              int          `yaml:"port"`
	UUID              string       `yaml:"uuid,omitempty"`
	AlterID           *int         `yaml:"alterId,omitempty"`
	Cipher            string       `yaml:"cipher,omitempty"`
	Password          string       `yaml:"password,omitempty"`
	UDP               bool         `yaml:"udp"`
	Network           string       `yaml:"network,omitempty"`
	Encryption        string       `yaml:"encryption,omitempty"`
	Flow              string       `yaml:"flow,omitempty"`
	TLS               bool         `yaml:"tls,omitempty"`
	ServerName        string       `yaml:"servername,omitempty"`
	SNI               string       `yaml:"sni,omitempty"`
	ClientFingerprint string       `yaml:"client-fingerprint,omitempty"`
	SkipCertVerify    *bool        `yaml:"skip-cert-verify,omitempty"`
	RealityOpts       *realityOpts `yaml:"reality-opts,omitempty"`
	WSOpts            *wsOpts      `yaml:"ws-opts,omitempty"`
	H2Opts            *h2Opts      `yaml:"h2-opts,omitempty"`
	GRPCOpts          *grpcOpts    `yaml:"grpc-opts,omitempty"`
}

type realityOpts struct {
	PublicKey string `yaml:"public-key,omitempty"`
	ShortID   string `yaml:"short-id,omitempty"`
	SpiderX   string `yaml:"_spider-x,omitempty"`
}

type wsOpts struct {
	Path    string            `yaml:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type h2Opts struct {
	Path string   `yaml:"path,omitempty"`
	Host []string `yaml:"host,omitempty"`
}

type grpcOpts struct {
	ServiceName string `yaml:"grpc-service-name,omitempty"`
}

// ConvertToMihomo превращает Base64-подписку в конфигурацию Mihomo по шаблону.
// Ключ proxies шаблона заменяется, порядок остальных ключей сохраняется.
func ConvertToMihomo(content, template string) (string, error) {
	proxies := parseProxies(content)
	if len(proxies) == 0 {
		return "", ErrNoProxies
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(template), &doc); err != nil {
		return "", fmt.Errorf("ошибка разбора шаблона: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return "", fmt.Errorf("шаблон должен быть YAML-словарем")
	}
	root := doc.Content[0]

	var list yaml.Node
	if err := list.Encode(proxies); err != nil {
		return "", fmt.Errorf("ошибка кодирования прокси: %v", err)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "proxies" {
			root.Content[i+1] = &list
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "proxies"},
			&list,
		)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("ошибка формирования конфигурации: %v", err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("пустая конфигурация")
	}
	return string(out), nil
}

// parseProxies разбирает ссылки vless, vmess, ss и trojan. Неизвестные и битые строки пропускаются.
func parseProxies(content string) []proxy {
	decoded, err := decodeBase64(content)
	if err != nil {
		decoded = content
	}

	var proxies []proxy
	names := make(map[string]int)
	for i, line := range strings.Split(strings.TrimSpace(decoded), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var p *proxy
		var err error
		switch {
		case strings.HasPrefix(line, "vless://"):
			p, err = parseVless(line)
		case strings.HasPrefix(line, "vmess://"):
			p, err = parseVmess(line)
		case strings.HasPrefix(line, "ss://"):
			p, err = parseShadowsocks(line)
		case strings.HasPrefix(line, "trojan://"):
			p, err = parseTrojan(line)
		default:
			log.Printf("CONVERTER: Строка %d: неизвестный протокол", i+1)
			continue
		}
		if err != nil {
			log.Printf("CONVERTER: Строка %d: %v", i+1, err)
			continue
		}

		// Mihomo требует уникальные имена
		if n := names[p.Name]; n > 0 {
			names[p.Name] = n + 1
			p.Name = fmt.Sprintf("%s %d", p.Name, n+1)
		} else {
			names[p.Name] = 1
		}
		proxies = append(proxies, *p)
	}
	return proxies
}

// proxyLink части ссылки вида scheme://user@host:port?query#remark
type proxyLink struct {
	user   string
	server string
	port   int
	query  url.Values
	remark string
}

func splitLink(raw, scheme string) (*proxyLink, error) {
	rest := strings.TrimPrefix(raw, scheme+"://")
	link := &proxyLink{}

	if i := strings.LastIndex(rest, "#"); i >= 0 {
		remark, err := url.PathUnescape(rest[i+1:])
		if err != nil {
			remark = rest[i+1:]
		}
		link.remark = remark
		rest = rest[:i]
	}
	if i := strings.Index(rest, "?"); i >= 0 {
		query, err := url.ParseQuery(rest[i+1:])
		if err != nil {
			return nil, fmt.Errorf("некорректные параметры %s: %v", scheme, err)
		}
		link.query = query
		rest = rest[:i]
	} else {
		link.query = url.Values{}
	}

	at := strings.LastIndex(rest, "@")
	if at <= 0 {
		return nil, fmt.Errorf("в ссылке %s нет учетных данных", scheme)
	}
	link.user = rest[:at]

	host, portStr, err := net.SplitHostPort(strings.TrimSuffix(rest[at+1:], "/"))
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес %s: %v", scheme, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("некорректный порт %s: %q", scheme, portStr)
	}
	link.server = host
	link.port = port
	return link, nil
}

func (l *proxyLink) name(kind string) string {
	if l.remark != "" {
		return l.remark
	}
	return fmt.Sprintf("%s %s:%d", kind, l.server, l.port)
}

func parseVless(raw string) (*proxy, error) {
	link, err := splitLink(raw, "vless")
	if err != nil {
		return nil, err
	}
	q := link.query
	p := &proxy{
		Name:           link.name("vless"),
		Type:           "vless",
		Server:         link.server,
		Port:           link.port,
		UUID:           link.user,
		UDP:            true,
		Network:        q.Get("type"),
		Encryption:     q.Get("encryption"),
		Flow:           q.Get("flow"),
		SkipCertVerify: boolPtr(false),
	}

	switch q.Get("security") {
	case "reality":
		p.TLS = true
		p.RealityOpts = &realityOpts{
			PublicKey: q.Get("pbk"),
			ShortID:   q.Get("sid"),
			SpiderX:   q.Get("spx"),
		}
		p.ServerName = q.Get("sni")
		p.ClientFingerprint = q.Get("fp")
	case "tls":
		p.TLS = true
		p.ServerName = q.Get("sni")
		p.ClientFingerprint = q.Get("fp")
	}
	return p, nil
}

func parseShadowsocks(raw string) (*proxy, error) {
	link, err := splitLink(raw, "ss")
	if err != nil {
		return nil, err
	}

	userinfo, err := url.PathUnescape(link.user)
	if err != nil {
		userinfo = link.user
	}
	var cipher, password string
	if decoded, err := decodeBase64(userinfo); err == nil {
		var ok bool
		if cipher, password, ok = strings.Cut(decoded, ":"); !ok {
			cipher, password = "unknown", decoded
		}
	} else {
		var ok bool
		if cipher, password, ok = strings.Cut(userinfo, ":"); !ok {
			return nil, fmt.Errorf("некорректные учетные данные ss")
		}
	}

	return &proxy{
		Name:     link.name("ss"),
		Type:     "ss",
		Server:   link.server,
		Port:     link.port,
		Cipher:   cipher,
		Password: password,
		UDP:      true,
	}, nil
}

func parseTrojan(raw string) (*proxy, error) {
	link, err := splitLink(raw, "trojan")
	if err != nil {
		return nil, err
	}
	password, err := url.PathUnescape(link.user)
	if err != nil {
		password = link.user
	}
	q := link.query
	return &proxy{
		Name:           link.name("trojan"),
		Type:           "trojan",
		Server:         link.server,
		Port:           link.port,
		Password:       password,
		UDP:            true,
		SkipCertVerify: boolPtr(false),
		SNI:            q.Get("sni"),
		Network:        q.Get("type"),
		TLS:            q.Get("security") == "tls",
	}, nil
}

func parseVmess(raw string) (*proxy, error) {
	decoded, err := decodeBase64(strings.TrimPrefix(raw, "vmess://"))
	if err != nil {
		return nil, fmt.Errorf("ошибка декодирования vmess: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(decoded), &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора vmess: %v", err)
	}

	server := jsonString(cfg, "add")
	if server == "" {
		return nil, fmt.Errorf("в vmess нет адреса сервера")
	}
	port, err := jsonInt(cfg, "port", 443)
	if err != nil {
		return nil, fmt.Errorf("некорректный порт vmess: %v", err)
	}
	alterID, err := jsonInt(cfg, "aid", 0)
	if err != nil {
		return nil, fmt.Errorf("некорректный aid vmess: %v", err)
	}

	p := &proxy{
		Name:    jsonString(cfg, "ps"),
		Type:    "vmess",
		Server:  server,
		Port:    port,
		UUID:    jsonString(cfg, "id"),
		AlterID: &alterID,
		Cipher:  jsonString(cfg, "scy"),
		UDP:     true,
		Network: jsonString(cfg, "net"),
	}
	if p.Name == "" {
		p.Name = "VMess"
	}
	if p.Cipher == "" {
		p.Cipher = "auto"
	}
	if p.Network == "" {
		p.Network = "tcp"
	}
	if jsonString(cfg, "tls") == "tls" {
		p.TLS = true
		p.ServerName = jsonString(cfg, "sni")
	}

	path, host := jsonString(cfg, "path"), jsonString(cfg, "host")
	switch p.Network {
	case "ws":
		p.WSOpts = &wsOpts{Path: path}
		if host != "" {
			p.WSOpts.Headers = map[string]string{"Host": host}
		}
	case "h2":
		p.H2Opts = &h2Opts{Path: path}
		if host != "" {
			p.H2Opts.Host = []string{host}
		}
	case "grpc":
		p.GRPCOpts = &grpcOpts{ServiceName: path}
	}
	return p, nil
}

// jsonString читает строковое поле, числа приводятся к строке
func jsonString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// jsonInt читает число, записанное как число или строка
func jsonInt(cfg map[string]any, key string, def int) (int, error) {
	switch v := cfg[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("неожиданный тип %T", v)
	}
}

func boolPtr(v bool) *bool {
	return &v
}
