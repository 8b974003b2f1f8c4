package onchain

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

// Fixed mainnet accounts for the shop's settlement flow.
var (
	// TrenchMint is the TRENCH token mint (pump.fun, Token-2022).
	TrenchMint = solana.MustPublicKeyFromBase58("BzyKa1FGjs2EUpu3GGDibY4xdygn5evAiRboKmETpump")

	// SolMint is the wrapped native SOL mint.
	SolMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	// USDCMint is USDC on Solana mainnet.
	USDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

	// TreasuryWallet receives swapped TRENCH from item and pack purchases.
	TreasuryWallet = solana.MustPublicKeyFromBase58("7ErEChc5iUg7689dmWEyPanByDtsnu35DdTdd3PyqZGa")
)

const (
	SolDecimals    = 9
	USDCDecimals   = 6
	TrenchDecimals = 6

	// DefaultSlippageBps is the slippage tolerance applied by the routing
	// service (3%).
	DefaultSlippageBps = 300
)

// PriceToRawAmount converts an item price in whole TRENCH tokens to the
// smallest unit.
func PriceToRawAmount(price float64) uint64 {
	return floatToRaw(price, TrenchDecimals)
}

// UsdToRawUsdc converts a USD amount to raw USDC units.
func UsdToRawUsdc(usd float64) uint64 {
	return floatToRaw(usd, USDCDecimals)
}

// floatToRaw converts through the decimal string form so the scaling is
// exact; multiplying the float directly drifts for prices like 1.99.
// Non-positive amounts map to zero, which the purchase flow rejects.
func floatToRaw(v float64, decimals int) uint64 {
	if v <= 0 {
		return 0
	}
	raw, err := ToBaseUnits(strconv.FormatFloat(v, 'f', -1, 64), decimals)
	if err != nil {
		return 0
	}
	return raw.Uint64()
}

// LamportsToSol converts a lamport balance to SOL.
func LamportsToSol(lamports uint64) float64 {
	return float64(lamports) / math.Pow10(SolDecimals)
}

// FormatSol renders a lamport amount for display.
func FormatSol(lamports uint64) string {
	return fmt.Sprintf("%.4f", LamportsToSol(lamports))
}

// RawToTokens converts a raw token amount to whole tokens.
func RawToTokens(raw uint64, decimals int) float64 {
	return float64(raw) / math.Pow10(decimals)
}

// MintDecimals returns the decimals for the mints the shop settles in.
// Unknown mints get zero, so their amounts render as raw base units.
func MintDecimals(mint string) int {
	switch mint {
	case SolMint.String():
		return SolDecimals
	case USDCMint.String():
		return USDCDecimals
	case TrenchMint.String():
		return TrenchDecimals
	default:
		return 0
	}
}

// FormatBaseUnits renders a base-unit amount string as a human-readable
// decimal. Quote amounts come back as base-unit strings; showing those to
// the user unconverted misstates the price by a factor of 10^decimals.
func FormatBaseUnits(amount string, decimals int) string {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	return FromBaseUnits(v, decimals)
}

// FindAssociatedTokenAddress derives the ATA address for any token program
// (SPL or Token-2022). The tokenProgram parameter should be either
// solana.TokenProgramID or solana.Token2022ProgramID.
func FindAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{
			wallet[:],
			tokenProgram[:],
			mint[:],
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

// TreasuryTokenAccount derives the treasury's TRENCH token account. TRENCH is
// a Token-2022 mint, so the derivation uses the Token-2022 program. Proceeds
// from every purchase route here; the derivation has to be stable because a
// transaction delivering to the wrong account is unrecoverable.
func TreasuryTokenAccount() (solana.PublicKey, error) {
	a, _, err := FindAssociatedTokenAddress(TreasuryWallet, TrenchMint, solana.Token2022ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive treasury token account: %w", err)
	}
	return a, nil
}
