// stampctl is the member and captain client for the stamp service.
//
// Usage:
//
//	stampctl login <name> <birthdate>   Sign in (birthdate YYYYMMDD or YYMMDD)
//	stampctl logout                     Forget the saved session
//	stampctl status                     Show stamp and coupon counts
//	stampctl stamps                     List the stamps on the current card
//	stampctl scan <payload>             Submit a scanned QR code
//	stampctl coupons                    List coupons
//	stampctl request                    Ask the captain to redeem a coupon
//	stampctl cleanup                    Delete used coupons
//	stampctl push on <token> | off      Register or remove the push token
//	stampctl history [clear]            Show received notifications
//	stampctl watch                      Follow live updates from the socket service
//	stampctl member <id>                Show another member (captain)
//	stampctl stamp <id>                 Add a stamp by hand (captain)
//	stampctl redeem <id>                Redeem a member's coupon (captain)
//	stampctl delete <id>                Delete a member and all of its data (captain)
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/device/client"
	"github.com/avvvet/ohgo-stamp-services/internal/device/history"
	"github.com/avvvet/ohgo-stamp-services/internal/device/scan"
	"github.com/avvvet/ohgo-stamp-services/internal/device/session"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/service"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultSocketURL = "ws://localhost:8090/v1/ws"
	requestTimeout   = 15 * time.Second
)

type app struct {
	sessions *session.FileStore
	history  *history.Log
	sess     *session.Session
	api      *client.Client
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" || os.Args[1] == "--help" || os.Args[1] == "-h" {
		printUsage()
		if len(os.Args) < 2 {
			os.Exit(1)
		}
		return
	}
	cmd, args := os.Args[1], os.Args[2:]

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stampctl: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "login":
		err = a.cmdLogin(args)
	case "logout":
		err = a.cmdLogout()
	case "status":
		err = a.cmdStatus()
	case "stamps":
		err = a.cmdStamps()
	case "scan":
		err = a.cmdScan(args)
	case "coupons":
		err = a.cmdCoupons()
	case "request":
		err = a.cmdRequest()
	case "cleanup":
		err = a.cmdCleanup()
	case "push":
		err = a.cmdPush(args)
	case "history":
		err = a.cmdHistory(args)
	case "watch":
		err = a.cmdWatch()
	case "member":
		err = a.cmdMember(args)
	case "stamp":
		err = a.cmdStaffStamp(args)
	case "redeem":
		err = a.cmdRedeem(args)
	case "delete":
		err = a.cmdDelete(args)
	default:
		fmt.Fprintf(os.Stderr, "stampctl: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "stampctl: %s\n", describe(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: stampctl <command> [args]

Commands:
  login <name> <birthdate>   Sign in (birthdate YYYYMMDD or YYMMDD)
  logout                     Forget the saved session
  status                     Show stamp and coupon counts
  stamps                     List the stamps on the current card
  scan <payload>             Submit a scanned QR code
  coupons                    List coupons
  request                    Ask the captain to redeem a coupon
  cleanup                    Delete used coupons
  push on <token> | off      Register or remove the push token
  history [clear]            Show received notifications
  watch                      Follow live updates from the socket service
  member <id>                Show another member (captain)
  stamp <id>                 Add a stamp by hand (captain)
  redeem <id>                Redeem a member's coupon (captain)
  delete <id>                Delete a member and all of its data (captain)

Environment:
  STAMP_SERVER_URL   stamp service base URL (default http://localhost:8080)
  STAMP_SOCKET_URL   socket service URL (default ws://localhost:8090/v1/ws)
  STAMP_QR_PAYLOAD   expected QR payload
`)
}

func newApp() (*app, error) {
	sessPath, err := session.DefaultPath("session.json")
	if err != nil {
		return nil, err
	}
	histPath, err := session.DefaultPath("history.json")
	if err != nil {
		return nil, err
	}

	a := &app{
		sessions: session.NewFileStore(sessPath),
		history:  history.NewLog(histPath),
	}
	if a.sess, err = a.sessions.Load(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	serverURL := envOr("STAMP_SERVER_URL", defaultServerURL)
	token := ""
	if a.sess != nil {
		serverURL = a.sess.ServerURL
		token = a.sess.Token
	}
	a.api = client.New(serverURL, token)
	return a, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (a *app) requireSession() error {
	if a.sess == nil {
		return errors.New("not logged in, run: stampctl login <name> <birthdate>")
	}
	return nil
}

func (a *app) requireAdmin() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	if !a.sess.Member.IsAdmin() {
		return errors.New("this command is for captains only")
	}
	return nil
}

func (a *app) cmdLogin(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: stampctl login <name> <birthdate>")
	}
	name := strings.Join(args[:len(args)-1], " ")
	dob := args[len(args)-1]

	// normalize locally so a typo fails before any request is sent
	if _, err := service.NormalizeBirthDate(dob); err != nil {
		return err
	}

	ctx, cancel := withTimeout()
	defer cancel()

	serverURL := envOr("STAMP_SERVER_URL", defaultServerURL)
	a.api = client.New(serverURL, "")
	m, token, err := a.api.Login(ctx, name, dob)
	if err != nil {
		return err
	}

	if err := a.sessions.Save(session.Session{ServerURL: serverURL, Token: token, Member: *m}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Printf("Logged in as %s (%s)\n", m.Name, m.Role)
	return nil
}

func (a *app) cmdLogout() error {
	if a.sess != nil && a.sess.PushToken != "" {
		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.api.RemovePushToken(ctx, a.sess.Member.ID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not remove push token: %s\n", describe(err))
		}
	}
	if err := a.sessions.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func (a *app) cmdStatus() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	sum, err := a.api.Me(ctx)
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

func printSummary(sum *models.MemberSummary) {
	fmt.Printf("Member:  %s (%s)\n", sum.Member.Name, sum.Member.ID)
	fmt.Printf("Role:    %s\n", sum.Member.Role)
	fmt.Printf("Stamps:  %d / %d\n", sum.StampCount, service.DefaultPolicy().Threshold)
	fmt.Printf("Coupons: %d unused\n", sum.CouponCount)
}

func (a *app) cmdStamps() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	stamps, err := a.api.Stamps(ctx, a.sess.Member.ID)
	if err != nil {
		return err
	}
	if len(stamps) == 0 {
		fmt.Println("No stamps yet")
		return nil
	}
	for i, s := range stamps {
		fmt.Printf("%2d  %s  %s\n", i+1, s.Date, s.Method)
	}
	return nil
}

func (a *app) cmdScan(args []string) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: stampctl scan <payload>")
	}

	s := scan.NewSession(envOr("STAMP_QR_PAYLOAD", service.DefaultPolicy().QRPayload))
	res, err := s.Submit(context.Background(), args[0], func(ctx context.Context, payload, key string) (*models.AccrualResult, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return a.api.Scan(ctx, a.sess.Member.ID, payload, key)
	})
	switch {
	case errors.Is(err, scan.ErrUnknownCode):
		return errors.New("this QR code is not a stamp code")
	case errors.Is(err, scan.ErrTimeout):
		return errors.New("the server did not answer in time, check the stamp count before scanning again")
	case err != nil:
		return err
	}

	fmt.Printf("Stamp added for %s (%d on the card)\n", res.Stamp.Date, res.StampCount)
	if res.CouponIssued != nil {
		fmt.Println("The card is full, a coupon was issued!")
	}
	return nil
}

func (a *app) cmdCoupons() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	coupons, unused, err := a.api.Coupons(ctx, a.sess.Member.ID)
	if err != nil {
		return err
	}
	printCoupons(coupons, unused)
	return nil
}

func printCoupons(coupons []models.Coupon, unused int) {
	fmt.Printf("%d unused coupon(s)\n", unused)
	for _, c := range coupons {
		state := "unused"
		if c.Used {
			state = "used " + c.UsedDate
		}
		fmt.Printf("  %s  issued %s  %s\n", c.ID, c.IssuedDate, state)
	}
}

func (a *app) cmdRequest() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	if err := a.api.RequestCoupon(ctx, a.sess.Member.ID); err != nil {
		return err
	}
	fmt.Println("The captain has been asked to redeem your coupon")
	return nil
}

func (a *app) cmdCleanup() error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	coupons, _, err := a.api.Coupons(ctx, a.sess.Member.ID)
	if err != nil {
		return err
	}
	deleted := 0
	for _, c := range coupons {
		if !c.Used {
			continue
		}
		if err := a.api.DeleteCoupon(ctx, a.sess.Member.ID, c.ID); err != nil {
			return fmt.Errorf("delete coupon %s: %w", c.ID, err)
		}
		deleted++
	}
	fmt.Printf("Deleted %d used coupon(s)\n", deleted)
	return nil
}

func (a *app) cmdPush(args []string) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()

	switch {
	case len(args) == 2 && args[0] == "on":
		if err := a.api.SetPushToken(ctx, a.sess.Member.ID, args[1]); err != nil {
			return err
		}
		a.sess.PushToken = args[1]
	case len(args) == 1 && args[0] == "off":
		if err := a.api.RemovePushToken(ctx, a.sess.Member.ID); err != nil {
			return err
		}
		a.sess.PushToken = ""
	default:
		return errors.New("usage: stampctl push on <token> | off")
	}

	if err := a.sessions.Save(*a.sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Printf("Push notifications %s\n", args[0])
	return nil
}

func (a *app) cmdHistory(args []string) error {
	if len(args) == 1 && args[0] == "clear" {
		return a.history.Clear()
	}
	entries, err := a.history.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No notifications")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-16s %s: %s\n", e.ReceivedAt.Local().Format("01-02 15:04"), e.Event, e.Title, e.Body)
	}
	return nil
}

// cmdWatch binds a socket to the session and records every refresh until interrupted.
func (a *app) cmdWatch() error {
	if err := a.requireSession(); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(envOr("STAMP_SOCKET_URL", defaultSocketURL), nil)
	if err != nil {
		return fmt.Errorf("connect socket: %w", err)
	}
	defer conn.Close()

	initData, _ := json.Marshal(comm.InitData{Token: a.sess.Token})
	if err := conn.WriteJSON(comm.WSMessage{Type: "init", Data: initData}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var msg comm.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			select {
			case <-stop:
				return nil
			default:
			}
			return fmt.Errorf("socket closed: %w", err)
		}

		switch msg.Type {
		case "init-response":
			fmt.Println("Watching for updates, Ctrl+C to stop")
		case "error":
			return fmt.Errorf("socket refused: %s", msg.Data)
		case "refresh":
			var data comm.RefreshData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			entry := history.Entry{
				ID:         uuid.NewString(),
				Event:      data.Event,
				Title:      data.Title,
				Body:       data.Body,
				Data:       data.Data,
				ReceivedAt: time.Now(),
			}
			if err := a.history.Append(entry); err != nil {
				fmt.Fprintf(os.Stderr, "warning: history: %v\n", err)
			}
			fmt.Printf("[%s] %s: %s\n", entry.ReceivedAt.Format("15:04:05"), data.Title, data.Body)
		}
	}
}

func (a *app) cmdMember(args []string) error {
	if err := a.requireAdmin(); err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: stampctl member <id>")
	}
	ctx, cancel := withTimeout()
	defer cancel()

	sum, err := a.api.Member(ctx, args[0])
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

func (a *app) cmdStaffStamp(args []string) error {
	if err := a.requireAdmin(); err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: stampctl stamp <id>")
	}
	ctx, cancel := withTimeout()
	defer cancel()

	res, err := a.api.StaffStamp(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Stamp added (%d on the card)\n", res.StampCount)
	if res.CouponIssued != nil {
		fmt.Printf("Coupon %s issued\n", res.CouponIssued.ID)
	}
	return nil
}

func (a *app) cmdRedeem(args []string) error {
	if err := a.requireAdmin(); err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: stampctl redeem <id>")
	}
	memberID := args[0]
	ctx, cancel := withTimeout()
	defer cancel()

	adv, err := a.api.Advisory(ctx, memberID)
	if err != nil {
		return err
	}
	if adv.UnusedCount == 0 {
		return errors.New("member has no unused coupon")
	}

	var warnings []string
	if adv.UsedToday {
		warnings = append(warnings, "a coupon was already used today")
	}
	if adv.OnlyTodayIssued {
		warnings = append(warnings, "the only unused coupons were issued today")
	}
	prompt := fmt.Sprintf("Redeem 1 of %d coupon(s)?", adv.UnusedCount)
	if len(warnings) > 0 {
		prompt = fmt.Sprintf("Note: %s. %s", strings.Join(warnings, "; "), prompt)
	}
	if !confirm(prompt) {
		fmt.Println("Cancelled")
		return nil
	}

	c, err := a.api.Redeem(ctx, memberID)
	if err != nil {
		return err
	}
	fmt.Printf("Coupon %s (issued %s) redeemed\n", c.ID, c.IssuedDate)
	return nil
}

func (a *app) cmdDelete(args []string) error {
	if err := a.requireAdmin(); err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: stampctl delete <id>")
	}
	memberID := args[0]

	if !confirm(fmt.Sprintf("Delete member %s with all stamps and coupons? This cannot be undone.", memberID)) {
		fmt.Println("Cancelled")
		return nil
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := a.api.DeleteMember(ctx, memberID); err != nil {
		return err
	}
	if memberID == a.sess.Member.ID {
		if err := a.sessions.Clear(); err != nil {
			return err
		}
	}
	fmt.Println("Member deleted")
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// describe renders API errors as user-facing messages.
func describe(err error) string {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}
	if apiErr.RateLimited() {
		if apiErr.RetryAt.IsZero() {
			return "too soon to stamp again"
		}
		return fmt.Sprintf("too soon to stamp again, next stamp after %s", apiErr.RetryAt.Local().Format("2006-01-02 15:04"))
	}
	return apiErr.Error()
}
