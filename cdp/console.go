package cdp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/clinicflow/flowbridge/log"
)

// Console relays raw protocol messages between in and the browser at
// wsURL, printing every frame in both directions. It's a debugging aid for
// poking at the browser by hand, e.g.:
//
//	{"id":1, "method":"Browser.getVersion"}
//	{"id":2, "method":"Target.createTarget", "params":{"url":"about:blank"}}
func Console(ctx context.Context, wsURL string, in io.Reader, printf func(string, ...interface{}), logger *log.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := dial(ctx, wsURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := conn.close(); err == nil && errClose != nil && !isClosedError(errClose) {
			err = fmt.Errorf("closing console connection: %w", errClose)
		}
	}()
	printf("connected to %q", wsURL)

	errs := make(chan error, 2)
	go func() {
		for {
			buf, err := conn.readRaw()
			if err != nil {
				errs <- fmt.Errorf("reading: %w", err)
				return
			}
			prettyf(printf, "<- %s", buf)
		}
	}()
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			prettyf(printf, "-> %s", sc.Bytes())
			if err := conn.writeRaw(sc.Bytes()); err != nil {
				errs <- fmt.Errorf("writing: %w", err)
				return
			}
		}
		errs <- sc.Err()
	}()

	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
		return nil
	}
}

func prettyf(printf func(string, ...interface{}), format string, args ...interface{}) {
	b, ok := args[0].([]byte)
	if !ok {
		printf(format, args...)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, b, "", "  "); err != nil {
		printf(format, args...)
		return
	}
	printf(format, append([]interface{}{pretty.Bytes()}, args[1:]...)...)
}
