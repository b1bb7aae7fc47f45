package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse parses the values of one or more Transport headers. Each value may
// hold several comma separated options.
func Parse(values []string) (Header, error) {
	var opts []Option
	for _, value := range values {
		for _, o := range strings.Split(value, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}

			opt, err := parseOption(o)
			if err != nil {
				return nil, err
			}
			opts = append(opts, opt)
		}
	}

	if len(opts) == 0 {
		return nil, errors.New("malformed transport header")
	}

	return &header{options: opts}, nil
}

func parsePair(name, value string) ([2]int, error) {
	var ret [2]int

	first, second, ok := strings.Cut(value, "-")

	v, err := strconv.Atoi(first)
	if err != nil {
		return ret, fmt.Errorf("failed to parse %s, received %s: %w", name, value, err)
	}
	ret[0] = v
	ret[1] = v + 1

	if ok {
		v, err = strconv.Atoi(second)
		if err != nil {
			return ret, fmt.Errorf("failed to parse %s, received %s: %w", name, value, err)
		}
		ret[1] = v
	}

	return ret, nil
}

func parseOption(in string) (Option, error) {
	parts := strings.Split(in, ";")
	opt := &option{}

	switch strings.ToUpper(strings.TrimSpace(parts[0])) {
	case "RTP/AVP", "RTP/AVP/UDP":
		opt.protocol = ProtocolUDP
	case "RTP/AVP/TCP":
		opt.protocol = ProtocolTCP
	default:
		return nil, ErrUnsupportedTransport
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToLower(key)

		switch key {
		case "":
			continue
		case "unicast":
			opt.unicast = true
		case "multicast":
			opt.unicast = false
		case "append":
			opt.params = append(opt.params, Append(""))
		case "destination":
			opt.params = append(opt.params, Destination(value))
		case "source":
			opt.params = append(opt.params, Source(value))
		case "mode":
			opt.params = append(opt.params, Mode(strings.Trim(value, `"`)))
		case "interleaved", "port", "client_port", "server_port":
			if !hasValue {
				return nil, fmt.Errorf("malformed parameter %s", key)
			}
			pair, err := parsePair(key, value)
			if err != nil {
				return nil, err
			}
			switch key {
			case "interleaved":
				opt.params = append(opt.params, Interleaved(pair))
			case "port":
				opt.params = append(opt.params, Port(pair))
			case "client_port":
				opt.params = append(opt.params, ClientPort(pair))
			default:
				opt.params = append(opt.params, ServerPort(pair))
			}
		case "ttl":
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse TTL value: %w", err)
			}
			opt.params = append(opt.params, TTL(time.Second*time.Duration(seconds)))
		case "layers":
			layers, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse layers value: %w", err)
			}
			opt.params = append(opt.params, Layers(layers))
		case "ssrc":
			// hexadecimal, leading zeros may be omitted
			ssrc, err := strconv.ParseUint(strings.TrimSpace(value), 16, 32)
			if err != nil {
				return nil, fmt.Errorf("failed to parse ssrc value: %w", err)
			}
			opt.params = append(opt.params, SSRC(ssrc))
		default:
			// unknown parameters are ignored
			continue
		}
	}

	return opt, nil
}
