package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"launchpad/internal/app"
	"launchpad/internal/domain"
	"launchpad/internal/launch"
	"launchpad/internal/solana"
)

func launchCmd() *cobra.Command {
	var (
		file, keypair, image string
		yes                  bool
		maxRetries           int
		req                  domain.LaunchRequest
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a token and register its agent",
		Long: `Launch a token and register its agent.

The request comes from --file (YAML with the same keys as the flags, snake_cased) and the flags;
flags win. When a step fails you are asked whether to resume from it; --yes resumes without
asking, up to --max-retries times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := buildRequest(cmd, file, image, req)
			if err != nil {
				return err
			}
			signer, err := loadSigner(keypair)
			if err != nil {
				return err
			}
			return withApp(app.Options{}, func(a *app.App) error {
				deps := a.LaunchDeps(signer)
				deps.OnProgress = progressPrinter(os.Stderr)
				flow := launch.NewFlow(deps)

				state, err := flow.Execute(cmd.Context(), input)
				if err != nil && state.Step == launch.StepForm {
					return err
				}
				prompt := newPrompter(cmd.InOrStdin(), os.Stderr, yes)
				for attempt := 0; attempt < maxRetries; attempt++ {
					switch {
					case state.CanRetry():
						if !prompt.confirm(state.Message, state.RetryLabel) {
							return launchOutcome(state)
						}
						state, err = flow.Retry(cmd.Context())
					case state.CanRetryIdentity():
						if !prompt.confirm(state.IdentityError, "Retry Agent Registration") {
							return launchOutcome(state)
						}
						state, err = flow.RetryIdentity(cmd.Context())
					default:
						return launchOutcome(state)
					}
					if errors.Is(err, context.Canceled) {
						return err
					}
				}
				return launchOutcome(state)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "launch request YAML file")
	f.StringVar(&keypair, "keypair", "", "creator keypair file (JSON byte array); env LAUNCHPAD_KEYPAIR")
	f.StringVar(&image, "image", "", "token image file (png, jpeg, gif or webp)")
	f.BoolVarP(&yes, "yes", "y", false, "resume failed steps without asking")
	f.IntVar(&maxRetries, "max-retries", 3, "how many times a failed launch may be resumed")
	f.StringVar(&req.AgentName, "agent-name", "", "agent name")
	f.StringVar(&req.Bio, "bio", "", "agent bio (registered as the agent description)")
	f.StringVar(&req.Personality, "personality", "", "agent personality")
	f.StringVar(&req.TokenName, "token-name", "", "token name")
	f.StringVar(&req.TokenSymbol, "symbol", "", "token symbol")
	f.StringVar(&req.TokenDescription, "description", "", "token description")
	f.StringVar(&req.WebsiteURL, "website", "", "website URL")
	f.StringVar(&req.XURL, "x-url", "", "X profile URL")
	f.StringVar(&req.TelegramURL, "telegram", "", "Telegram URL")
	f.Float64Var(&req.InitialBuySOL, "initial-buy", 0, "initial buy in SOL")
	f.StringVar(&req.PostingFrequency, "posting-frequency", domain.PostingDaily1, "daily_1, daily_2 or weekly_3")
	f.StringVar(&req.TargetCommunity, "target-community", "", "target community")
	f.BoolVar(&req.AllowTokenMention, "allow-token-mention", true, "let the agent mention the token")
	_ = viper.BindPFlag("keypair", f.Lookup("keypair"))
	return cmd
}

func retryIdentityCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "retry-identity",
		Short: "Register the agent for a failed_partial launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withApp(app.Options{}, func(a *app.App) error {
				l, err := a.Launches().Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				deps := a.LaunchDeps(nil)
				deps.OnProgress = progressPrinter(os.Stderr)
				state, err := launch.NewFlow(deps).RetryIdentityFor(cmd.Context(), l)
				if err != nil && !errors.Is(err, launch.ErrNothingToRetry) {
					return err
				}
				if errors.Is(err, launch.ErrNothingToRetry) {
					return fmt.Errorf("launch %s is %s: %w", l.ID, l.Status, err)
				}
				return launchOutcome(state)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "launch id")
	return cmd
}

// buildRequest layers the flags the user set over the YAML file.
func buildRequest(cmd *cobra.Command, file, image string, flags domain.LaunchRequest) (domain.LaunchRequest, error) {
	req := domain.LaunchRequest{AllowTokenMention: true}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return req, err
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	changed := cmd.Flags().Changed
	setString := func(flag string, dst *string, v string) {
		if changed(flag) {
			*dst = v
		}
	}
	setString("agent-name", &req.AgentName, flags.AgentName)
	setString("bio", &req.Bio, flags.Bio)
	setString("personality", &req.Personality, flags.Personality)
	setString("token-name", &req.TokenName, flags.TokenName)
	setString("symbol", &req.TokenSymbol, flags.TokenSymbol)
	setString("description", &req.TokenDescription, flags.TokenDescription)
	setString("website", &req.WebsiteURL, flags.WebsiteURL)
	setString("x-url", &req.XURL, flags.XURL)
	setString("telegram", &req.TelegramURL, flags.TelegramURL)
	setString("posting-frequency", &req.PostingFrequency, flags.PostingFrequency)
	setString("target-community", &req.TargetCommunity, flags.TargetCommunity)
	if changed("initial-buy") {
		req.InitialBuySOL = flags.InitialBuySOL
	}
	if changed("allow-token-mention") {
		req.AllowTokenMention = flags.AllowTokenMention
	}
	if image != "" {
		img, err := readImage(image)
		if err != nil {
			return req, err
		}
		req.Image = img
	}
	return req, nil
}

func readImage(path string) (*domain.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &domain.Image{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

func loadSigner(path string) (launch.Signer, error) {
	path = firstNonEmpty(path, viper.GetString("keypair"))
	if path == "" {
		return nil, fmt.Errorf("--keypair required")
	}
	kp, err := solana.LoadKeypairFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return solana.LocalSigner{Keypair: kp}, nil
}

// progressPrinter writes one line per step transition.
func progressPrinter(w io.Writer) func(launch.State) {
	var last launch.Step
	return func(s launch.State) {
		if s.Step == last {
			return
		}
		last = s.Step
		switch s.Step {
		case launch.StepError:
			fmt.Fprintf(w, "  ✗ %s: %s\n", s.FailedStep, s.Message)
		case launch.StepSuccess:
			fmt.Fprintln(w, "  ✓ done")
		case launch.StepForm:
		default:
			fmt.Fprintf(w, "  … %s\n", stepTitle(s.Step))
		}
	}
}

func stepTitle(s launch.Step) string {
	switch s {
	case launch.StepUploadingMetadata:
		return "Uploading metadata"
	case launch.StepBuildingTx:
		return "Building transaction"
	case launch.StepAwaitingSignature:
		return "Signing and submitting"
	case launch.StepConfirming:
		return "Confirming transaction"
	case launch.StepRegisteringAgent:
		return "Registering agent"
	}
	return string(s)
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
	yes bool
}

func newPrompter(in io.Reader, out io.Writer, yes bool) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, yes: yes}
}

func (p *prompter) confirm(reason, action string) bool {
	if p.yes {
		fmt.Fprintf(p.out, "%s: %s\n", action, reason)
		return true
	}
	if viper.GetBool("json") {
		return false
	}
	fmt.Fprintf(p.out, "%s\n%s? [y/N] ", reason, action)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// launchOutcome prints the final state and turns a failed launch into an error.
func launchOutcome(state launch.State) error {
	if viper.GetBool("json") {
		if err := printJSON(stateView(state)); err != nil {
			return err
		}
	} else {
		printLaunchResult(state)
	}
	if state.Step == launch.StepError {
		return fmt.Errorf("launch failed at %s: %s", state.FailedStep, state.Message)
	}
	return nil
}

type launchStateView struct {
	Step          string         `json:"step"`
	FailedStep    string         `json:"failed_step,omitempty"`
	Message       string         `json:"message,omitempty"`
	IdentityError string         `json:"identity_error,omitempty"`
	Mint          string         `json:"mint,omitempty"`
	TxSignature   string         `json:"tx_signature,omitempty"`
	TradingURL    string         `json:"trading_url,omitempty"`
	Launch        *domain.Launch `json:"launch,omitempty"`
}

func stateView(s launch.State) launchStateView {
	return launchStateView{
		Step:          string(s.Step),
		FailedStep:    string(s.FailedStep),
		Message:       s.Message,
		IdentityError: s.IdentityError,
		Mint:          s.Mint,
		TxSignature:   s.TxSignature,
		TradingURL:    s.TradingURL,
		Launch:        s.Result,
	}
}

func printLaunchResult(s launch.State) {
	rows := [][2]string{{"Step", string(s.Step)}}
	if s.Step == launch.StepError {
		rows = append(rows, [2]string{"Failed step", string(s.FailedStep)}, [2]string{"Error", s.Message})
	}
	if s.Mint != "" {
		rows = append(rows, [2]string{"Mint", s.Mint})
	}
	if s.TxSignature != "" {
		rows = append(rows, [2]string{"Signature", s.TxSignature})
	}
	if s.TradingURL != "" {
		rows = append(rows, [2]string{"Trade", s.TradingURL})
	}
	if l := s.Result; l != nil {
		rows = append(rows,
			[2]string{"Launch", l.ID},
			[2]string{"Status", l.Status},
			[2]string{"Agent", l.AgentName},
		)
		if l.IdentityClaimURL != nil {
			rows = append(rows, [2]string{"Claim URL", *l.IdentityClaimURL})
		}
		if l.IdentityVerificationCode != nil {
			rows = append(rows, [2]string{"Verification code", *l.IdentityVerificationCode})
		}
	}
	if s.IdentityError != "" {
		rows = append(rows, [2]string{"Agent registration", s.IdentityError})
	}
	printKeyValues(rows)
}
